package insight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, store *MemStore, id, sessionID, status string) {
	t.Helper()
	require.NoError(t, store.CreateRun(Run{
		ID: id, SessionID: sessionID, UserID: "user-1", Status: StatusPending, CreatedAt: time.Now(),
	}))
	if status != StatusPending {
		require.NoError(t, store.FinishRun(id, status, "", ""))
	}
}

func TestMemStoreLatestRunPicksNewest(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	seedRun(t, store, "run-1", "hike-1", StatusFailed)
	seedRun(t, store, "run-2", "hike-1", StatusCompleted)
	seedRun(t, store, "run-3", "hike-2", StatusCompleted)

	run, err := store.LatestRun("hike-1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", run.ID)

	_, err = store.LatestRun("hike-404")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestMemStoreLatestReportRequiresCompletedRun(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	seedRun(t, store, "run-1", "hike-1", StatusCompleted)
	require.NoError(t, store.SaveOutcome(Outcome{
		RunID:     "run-1",
		SessionID: "hike-1",
		UserID:    "user-1",
		Cards:     []Card{{Rank: 1, Title: "Ridge day", Insight: "Long exposure on the ridge"}},
		Narrative: "Up before dawn.",
	}))
	// A newer failed run must not shadow the completed report.
	seedRun(t, store, "run-2", "hike-1", StatusFailed)

	rep, err := store.LatestReport("hike-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.RunID)
	require.Len(t, rep.Cards, 1)
	assert.Equal(t, "Ridge day", rep.Cards[0].Title)
	assert.Equal(t, "Up before dawn.", rep.Narrative)

	_, err = store.LatestReport("hike-2")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestMemStoreUserAggregate(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	seedRun(t, store, "run-1", "hike-1", StatusCompleted)
	require.NoError(t, store.SaveOutcome(Outcome{
		RunID:     "run-1",
		SessionID: "hike-1",
		UserID:    "user-1",
		Milestones: []Milestone{
			{ID: "m1", RunID: "run-1", Code: "first_summit", Label: "First summit"},
			{ID: "m2", RunID: "run-1", Code: "water_finder", Label: "Water finder"},
		},
		Discoveries: []Discovery{{ID: "d1", RunID: "run-1", Title: "Cairn field", Confidence: "low"}},
	}))
	seedRun(t, store, "run-2", "hike-2", StatusCompleted)
	require.NoError(t, store.SaveOutcome(Outcome{
		RunID:      "run-2",
		SessionID:  "hike-2",
		UserID:     "user-1",
		Milestones: []Milestone{{ID: "m3", RunID: "run-2", Code: "first_summit", Label: "Summit again"}},
	}))
	// Failed runs contribute nothing.
	seedRun(t, store, "run-3", "hike-3", StatusFailed)

	agg, err := store.UserAggregate("user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.CompletedRuns)
	assert.Equal(t, 1, agg.Discoveries)
	assert.Equal(t, []string{"first_summit", "water_finder"}, agg.MilestoneCodes)

	empty, err := store.UserAggregate("user-2")
	require.NoError(t, err)
	assert.Zero(t, empty.CompletedRuns)
}

func TestMemStorePruneTerminal(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	seedRun(t, store, "run-old", "hike-1", StatusCompleted)
	seedRun(t, store, "run-live", "hike-2", StatusPending)
	require.NoError(t, store.SaveArtifact(StageArtifact{ID: "a1", RunID: "run-old", Stage: "trail_record", Position: 1}))

	// Everything terminal right now is "older than" a future cutoff.
	n, err := store.PruneTerminal(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.LatestRun("hike-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	artifacts, err := store.Artifacts("run-old")
	require.NoError(t, err)
	assert.Empty(t, artifacts)

	// Non-terminal runs survive any cutoff.
	run, err := store.LatestRun("hike-2")
	require.NoError(t, err)
	assert.Equal(t, "run-live", run.ID)
}
