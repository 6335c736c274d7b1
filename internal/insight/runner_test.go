package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

type step struct {
	reply string
	err   error
}

// seqBackend consumes one scripted step per completion call and records every
// prompt it saw. An optional gate holds calls until it closes.
type seqBackend struct {
	mu      sync.Mutex
	steps   []step
	prompts []oracle.Prompt
	gate    chan struct{}
}

func (b *seqBackend) Complete(ctx context.Context, p oracle.Prompt) (string, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, p)
	if len(b.steps) == 0 {
		return "", errors.New("script exhausted")
	}
	s := b.steps[0]
	b.steps = b.steps[1:]
	return s.reply, s.err
}

func (b *seqBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func (b *seqBackend) recordedPrompts() []oracle.Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]oracle.Prompt(nil), b.prompts...)
}

func stageReply(name string) string {
	switch name {
	case stage.TrailRecord:
		return `{"distance_km":12.4,"elevation_gain_m":740,"duration_minutes":236,"terrain_types":["forest","ridge"],"weather_summary":"clear with light wind","summary":"marker-trail_record"}`
	case stage.Milestones:
		return `{"milestones":[{"code":"elevation_1000m","label":"Climbed past 1000m","evidence":"marker-milestones"}]}`
	case stage.VisualPatterns:
		return `{"summary":"marker-visual_patterns","patterns":["switchbacks"],"notable_sightings":["chamois"]}`
	case stage.AcousticProfile:
		return `{"summary":"marker-acoustic_profile","detected_sounds":["wind","stream"]}`
	case stage.GroundTruth:
		return `{"findings":[{"observation":"stream crossing","verdict":"consistent","note":"marker-ground_truth"}]}`
	case stage.Discoveries:
		return `{"discoveries":[{"title":"Hidden waterfall","description":"marker-discoveries","confidence":"medium"}]}`
	case stage.SensorySummary:
		return `{"summary":"marker-sensory_summary","mood":"calm","highlights":["ridge view"]}`
	case stage.Achievements:
		return `{"codes":["elevation_1000m","marker-achievements"]}`
	case stage.Narrative:
		return `{"narrative":"A quiet morning climb along the ridge. marker-narrative"}`
	case stage.FinalReport:
		return `{"cards":[{"rank":2,"title":"Steady climber","insight":"marker-final_report","confidence":"high","evidence":["740m gained"]},{"rank":1,"title":"Water course","insight":"Followed a mountain stream","confidence":"medium"}]}`
	}
	return `{}`
}

func fullScript() []step {
	var steps []step
	for _, sp := range stage.BatchSequence() {
		steps = append(steps, step{reply: stageReply(sp.Name)})
	}
	return steps
}

func newInsightFixture(backend oracle.Completer) (*Service, *MemStore) {
	store := NewMemStore()
	client := oracle.NewClient(oracle.Config{
		Backends: map[string]oracle.Completer{"test": backend},
		Fallback: "test",
		Tiers: map[string]string{
			string(stage.TierLite):     "test",
			string(stage.TierStandard): "test",
			string(stage.TierDeep):     "test",
		},
		InitialDelay: time.Millisecond,
	})
	runner := NewRunner(RunnerConfig{Oracle: client, Store: store})
	return NewService(store, runner), store
}

func sampleData(sessionID string) SessionData {
	start := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	data := SessionData{
		SessionID: sessionID,
		UserID:    "user-1",
		StartedAt: start,
		EndedAt:   start.Add(4 * time.Hour),
		Features:  map[string]string{"terrain": "alpine meadow"},
		TrackSeen: 12,
		Live: []stage.Result{
			{Stage: stage.FrameScan, Status: stage.StatusOK, Payload: map[string]any{"summary": "open meadow with scattered pines"}},
		},
		Frames: []oracle.Media{{MIME: "image/jpeg", Data: []byte{0xff, 0xd8}}},
		Clips:  []oracle.Media{{MIME: "audio/wav", Data: []byte("riff")}},
	}
	for i := 0; i < 12; i++ {
		data.Track = append(data.Track, session.TrackPoint{
			Timestamp: start.UnixMilli() + int64(i)*60_000,
			Lat:       47.42 + float64(i)*0.001,
			Lng:       11.08,
			Altitude:  950 + float64(i)*20,
		})
	}
	return data
}

func TestRunCompletesAllTenStages(t *testing.T) {
	backend := &seqBackend{steps: fullScript()}
	svc, store := newInsightFixture(backend)

	runID, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	assert.Equal(t, 10, backend.callCount())

	run, err := svc.Status("hike-1")
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Empty(t, run.FailedStage)
	require.NotNil(t, run.FinishedAt)

	artifacts, err := store.Artifacts(runID)
	require.NoError(t, err)
	require.Len(t, artifacts, 10)
	for i, a := range artifacts {
		assert.Equal(t, i+1, a.Position)
		assert.Equal(t, stage.BatchSequence()[i].Name, a.Stage)
		assert.Equal(t, stage.StatusOK, a.Status)
		assert.Equal(t, 1, a.Attempts)
		assert.NotEmpty(t, a.Output)
	}

	rep, err := svc.Report("hike-1")
	require.NoError(t, err)
	require.Len(t, rep.Cards, 2)
	assert.Equal(t, 1, rep.Cards[0].Rank, "cards come back rank-ordered")
	assert.Equal(t, "Water course", rep.Cards[0].Title)
	assert.Equal(t, []string{"740m gained"}, rep.Cards[1].Evidence)
	assert.Contains(t, rep.Narrative, "quiet morning climb")
	require.Len(t, rep.Discoveries, 1)
	assert.Equal(t, "Hidden waterfall", rep.Discoveries[0].Title)
	assert.Equal(t, "medium", rep.Discoveries[0].Confidence)
	require.Len(t, rep.Milestones, 1)
	assert.Equal(t, "elevation_1000m", rep.Milestones[0].Code)
}

func TestRunContextAccumulatesStrictlyForward(t *testing.T) {
	backend := &seqBackend{steps: fullScript()}
	svc, _ := newInsightFixture(backend)

	_, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	prompts := backend.recordedPrompts()
	require.Len(t, prompts, 10)

	var order []string
	for _, sp := range stage.BatchSequence() {
		order = append(order, sp.Name)
	}
	assert.Contains(t, prompts[0].User, "Session hike-1 by user user-1.")
	assert.Contains(t, prompts[0].User, "Track: 12 points retained of 12 recorded.")

	for k, prompt := range prompts {
		for earlier := 0; earlier < k; earlier++ {
			assert.Contains(t, prompt.User, "marker-"+order[earlier],
				"stage %s must see the output of %s", order[k], order[earlier])
		}
		for later := k; later < len(order); later++ {
			assert.NotContains(t, prompt.User, "marker-"+order[later],
				"stage %s must not see the output of %s", order[k], order[later])
		}
	}
}

func TestRunMediaOnlyOnSensoryStages(t *testing.T) {
	backend := &seqBackend{steps: fullScript()}
	svc, _ := newInsightFixture(backend)

	_, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	prompts := backend.recordedPrompts()
	require.Len(t, prompts, 10)
	for i, sp := range stage.BatchSequence() {
		name := sp.Name
		switch name {
		case stage.VisualPatterns:
			require.Len(t, prompts[i].Media, 1)
			assert.Equal(t, "image/jpeg", prompts[i].Media[0].MIME)
		case stage.AcousticProfile:
			require.Len(t, prompts[i].Media, 1)
			assert.Equal(t, "audio/wav", prompts[i].Media[0].MIME)
		default:
			assert.Empty(t, prompts[i].Media, "stage %s should be text-only", name)
		}
	}
}

func TestRunFailFastOnFatalStage(t *testing.T) {
	script := fullScript()[:3]
	script = append(script, step{err: oracle.Fatal(errors.New("model rejected input"))})
	backend := &seqBackend{steps: script}
	svc, store := newInsightFixture(backend)

	runID, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	// Three completed stages plus the one fatal call; nothing after.
	assert.Equal(t, 4, backend.callCount())

	run, err := svc.Status("hike-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, stage.AcousticProfile, run.FailedStage)
	assert.Contains(t, run.Error, stage.AcousticProfile)

	artifacts, err := store.Artifacts(runID)
	require.NoError(t, err)
	require.Len(t, artifacts, 4)
	assert.Equal(t, stage.StatusFailed, artifacts[3].Status)
	assert.NotEmpty(t, artifacts[3].Error)

	_, err = svc.Report("hike-1")
	assert.ErrorIs(t, err, ErrRunNotFound, "failed runs never surface a report")
}

func TestRunFailsAfterRetryBudgetExhausted(t *testing.T) {
	backend := &seqBackend{steps: []step{
		{reply: "the trail was lovely"},
		{reply: "still not json"},
		{reply: "third strike"},
	}}
	svc, store := newInsightFixture(backend)

	runID, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	assert.Equal(t, 3, backend.callCount(), "malformed replies burn the whole retry budget")

	run, err := svc.Status("hike-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, stage.TrailRecord, run.FailedStage)
	assert.Contains(t, run.Error, "after 3 attempts")

	artifacts, err := store.Artifacts(runID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, stage.TrailRecord, artifacts[0].Stage)
	assert.Equal(t, stage.StatusFailed, artifacts[0].Status)
}

func TestRunInjectsUserHistoryIntoAchievements(t *testing.T) {
	backend := &seqBackend{steps: fullScript()}
	svc, store := newInsightFixture(backend)

	// Seed one earlier completed run so the aggregate has something to say.
	prior := Run{ID: "prior-run", SessionID: "hike-0", UserID: "user-1", Status: StatusPending, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateRun(prior))
	require.NoError(t, store.FinishRun(prior.ID, StatusCompleted, "", ""))
	require.NoError(t, store.SaveOutcome(Outcome{
		RunID:     prior.ID,
		SessionID: "hike-0",
		UserID:    "user-1",
		Milestones: []Milestone{
			{ID: "m1", RunID: prior.ID, SessionID: "hike-0", Code: "first_summit", Label: "First summit"},
		},
		Discoveries: []Discovery{
			{ID: "d1", RunID: prior.ID, SessionID: "hike-0", UserID: "user-1", Title: "Old shelter", Confidence: "high"},
		},
	}))

	_, err := svc.StartAnalysis(sampleData("hike-1"))
	require.NoError(t, err)
	svc.Drain()

	prompts := backend.recordedPrompts()
	require.Len(t, prompts, 10)
	var achievementsPrompt string
	for i, sp := range stage.BatchSequence() {
		if sp.Name == stage.Achievements {
			achievementsPrompt = prompts[i].User
		}
	}
	assert.Contains(t, achievementsPrompt, "User history: 1 completed analyses, 1 discoveries.")
	assert.Contains(t, achievementsPrompt, "Prior milestone codes: first_summit.")
}

func TestDigestCoversSessionShape(t *testing.T) {
	t.Parallel()

	data := sampleData("hike-9")
	digest := data.Digest()

	assert.Contains(t, digest, "Session hike-9 by user user-1.")
	assert.Contains(t, digest, "(240 minutes)")
	assert.Contains(t, digest, "Track: 12 points retained of 12 recorded.")
	assert.Contains(t, digest, "Altitude range 950m to 1170m.")
	assert.Contains(t, digest, "terrain=alpine meadow")
	assert.Contains(t, digest, "open meadow with scattered pines")
	assert.Contains(t, digest, "Captured media: 1 frames, 1 audio clips.")
	assert.Equal(t, 1, strings.Count(digest, "t="+fmt.Sprint(data.Track[0].Timestamp)))
}
