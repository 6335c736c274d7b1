package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrails/insight-gateway/internal/stage"
)

func TestWindowBufferBounds(t *testing.T) {
	t.Parallel()

	caps := DefaultCaps()
	w := NewWindow("s-1", caps)

	for i := 0; i < caps.Visual+5; i++ {
		w.AddVisual(Observation{Kind: KindVisual, Timestamp: int64(i)})
	}
	for i := 0; i < caps.Acoustic+3; i++ {
		w.AddAcoustic(Observation{Kind: KindAcoustic, Timestamp: int64(i)})
	}
	for i := 0; i < caps.Track+1; i++ {
		w.AddTrack(TrackPoint{Timestamp: int64(i)})
	}

	snap := w.Snapshot()
	assert.Len(t, snap.Visual, caps.Visual)
	assert.Len(t, snap.Acoustic, caps.Acoustic)
	assert.Len(t, snap.Track, caps.Track)

	// Oldest entries were evicted first; survivors stay in arrival order.
	assert.Equal(t, int64(5), snap.Visual[0].Timestamp)
	assert.Equal(t, int64(caps.Visual+4), snap.Visual[len(snap.Visual)-1].Timestamp)
	assert.Equal(t, int64(3), snap.Acoustic[0].Timestamp)
	assert.Equal(t, int64(1), snap.Track[0].Timestamp)
}

func TestWindowTrackSeenCountsEvicted(t *testing.T) {
	t.Parallel()

	w := NewWindow("s-1", Caps{Track: 4})
	var seen int
	for i := 0; i < 10; i++ {
		seen = w.AddTrack(TrackPoint{Timestamp: int64(i)})
	}
	assert.Equal(t, 10, seen, "seen counter keeps counting past evictions")
	assert.Len(t, w.Snapshot().Track, 4)
}

func TestWindowMergeFeatures(t *testing.T) {
	t.Parallel()

	w := NewWindow("s-1", DefaultCaps())
	w.MergeFeatures(map[string]string{"terrain": "scree", "weather": "overcast"})
	w.MergeFeatures(map[string]string{"weather": "clearing", "vegetation": "krummholz"})
	w.MergeFeatures(nil)

	snap := w.Snapshot()
	assert.Equal(t, map[string]string{
		"terrain":    "scree",
		"weather":    "clearing",
		"vegetation": "krummholz",
	}, snap.Features, "later values win per key, untouched keys survive")
}

func TestWindowResultsRing(t *testing.T) {
	t.Parallel()

	w := NewWindow("s-1", Caps{Results: 3})
	for i := 0; i < 5; i++ {
		w.AddResult(stage.Result{Stage: stage.FrameScan, Confidence: fmt.Sprintf("r%d", i)})
	}

	snap := w.Snapshot()
	require.Len(t, snap.Results, 3)
	assert.Equal(t, "r2", snap.Results[0].Confidence)
	assert.Equal(t, "r4", snap.Results[2].Confidence)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	w := NewWindow("s-1", DefaultCaps())
	w.AddVisual(Observation{Kind: KindVisual, Timestamp: 1})
	w.MergeFeatures(map[string]string{"terrain": "talus"})

	snap := w.Snapshot()
	snap.Visual[0].Timestamp = 99
	snap.Features["terrain"] = "mutated"

	fresh := w.Snapshot()
	assert.Equal(t, int64(1), fresh.Visual[0].Timestamp)
	assert.Equal(t, "talus", fresh.Features["terrain"])
}
