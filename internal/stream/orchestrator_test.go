package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/gate"
	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// fakeBackend answers every completion with a fixed reply or error. When
// block is set, calls park until the channel closes, which lets tests order
// a teardown before the oracle answers.
type fakeBackend struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	block chan struct{}
}

func (f *fakeBackend) Complete(ctx context.Context, p oracle.Prompt) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type pipelineFixture struct {
	orch    *Orchestrator
	store   *session.Store
	queue   *alert.Queue
	hub     *Hub
	backend *fakeBackend
}

func newPipelineFixture(backend *fakeBackend, maxCalls int) *pipelineFixture {
	store := session.NewStore(session.DefaultCaps())
	queue := alert.NewQueue()
	client := oracle.NewClient(oracle.Config{
		Backends:     map[string]oracle.Completer{"test": backend},
		Fallback:     "test",
		Tiers:        map[string]string{string(stage.TierLite): "test"},
		InitialDelay: time.Millisecond,
	})
	hub := NewHub()
	orch := New(Config{
		Gate:     gate.New(gate.DefaultConfig()),
		Store:    store,
		Oracle:   client,
		Alerts:   alert.NewRouter(queue),
		Hub:      hub,
		MaxCalls: maxCalls,
	})
	return &pipelineFixture{orch: orch, store: store, queue: queue, hub: hub, backend: backend}
}

func drainEvents(ch chan []byte) []Event {
	var out []Event
	for {
		select {
		case data := <-ch:
			var ev Event
			if json.Unmarshal(data, &ev) == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestAdmittedFrameMergesFeaturesAndAlerts(t *testing.T) {
	fx := newPipelineFixture(&fakeBackend{
		reply: `{"summary":"rocky switchbacks","detected_features":{"terrain":"rocky","vegetation":"pine"},"hazards":["loose scree"],"confidence":"high"}`,
	}, 4)
	events := fx.hub.Subscribe("hike-1")

	// Timestamp 0 sits at the start of a visual cycle, so the gate admits it.
	fx.orch.HandleVisual("hike-1", "user-1", session.Observation{
		Kind:      session.KindVisual,
		Timestamp: 0,
		MIME:      "image/jpeg",
		Payload:   []byte{0xff, 0xd8},
	})
	fx.orch.Drain()

	assert.Equal(t, 1, fx.backend.callCount())

	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()
	assert.Len(t, snap.Visual, 1)
	assert.Equal(t, "rocky", snap.Features["terrain"])
	assert.Equal(t, "pine", snap.Features["vegetation"])
	require.Len(t, snap.Results, 1)
	assert.Equal(t, stage.FrameScan, snap.Results[0].Stage)
	assert.Equal(t, stage.StatusOK, snap.Results[0].Status)
	assert.Equal(t, "high", snap.Results[0].Confidence)

	pending := fx.queue.Pending("user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "visual-hazard", pending[0].Predicate)
	assert.Equal(t, "Hazard in view: loose scree", pending[0].Message)

	got := drainEvents(events)
	require.Len(t, got, 2)
	assert.Equal(t, "stage_result", got[0].Type)
	assert.Equal(t, "alert", got[1].Type)
	require.NotNil(t, got[1].Alert)
	assert.Equal(t, "hazard", got[1].Alert.Category)
}

func TestRejectedFrameBuffersWithoutOracleCall(t *testing.T) {
	fx := newPipelineFixture(&fakeBackend{reply: `{"summary":"unused"}`}, 4)

	// Mid-cycle timestamp: outside the admission window.
	fx.orch.HandleVisual("hike-1", "user-1", session.Observation{
		Kind:      session.KindVisual,
		Timestamp: 2500,
		Payload:   []byte{0xff, 0xd8},
	})
	fx.orch.Drain()

	assert.Equal(t, 0, fx.backend.callCount())
	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()
	assert.Len(t, snap.Visual, 1, "rejected samples still join the context window")
	assert.Empty(t, snap.Results)
}

func TestStreamSoundYieldsExactlyOneWaterAlert(t *testing.T) {
	fx := newPipelineFixture(&fakeBackend{
		reply: `{"summary":"steady flow audible","detected_sounds":["stream","birdsong"]}`,
	}, 4)

	fx.orch.HandleAcoustic("hike-1", "user-1", session.Observation{
		Kind:      session.KindAcoustic,
		Timestamp: 10_000,
		Payload:   []byte("riff"),
	})
	fx.orch.Drain()

	assert.Equal(t, 1, fx.backend.callCount())
	pending := fx.queue.Pending("user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "water-nearby", pending[0].Predicate)
	assert.Equal(t, "Water detected nearby: stream", pending[0].Message)
}

func TestTelemetryCadenceTriggersMovementAnalysis(t *testing.T) {
	fx := newPipelineFixture(&fakeBackend{
		reply: `{"summary":"steady pace","events":[]}`,
	}, 4)

	for i := 0; i < 25; i++ {
		fx.orch.HandleTelemetry("hike-1", "user-1", session.TrackPoint{
			Timestamp: int64(i) * 1000,
			Lat:       47.5 + float64(i)*0.0001,
			Lng:       11.1,
			Altitude:  900 + float64(i),
		})
	}
	fx.orch.Drain()

	// Points 10 and 20 cross the cadence; the rest only extend the track.
	assert.Equal(t, 2, fx.backend.callCount())

	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()
	assert.Len(t, snap.Track, 25)
	assert.Equal(t, 25, snap.TrackSeen)
	for _, res := range snap.Results {
		assert.Equal(t, stage.MovementEvents, res.Stage)
	}
	assert.Len(t, snap.Results, 2)
}

func TestOracleFailureDropsCycleWithoutRetry(t *testing.T) {
	backend := &fakeBackend{err: oracle.Transient(errors.New("status 503"))}
	fx := newPipelineFixture(backend, 4)
	events := fx.hub.Subscribe("hike-1")

	fx.orch.HandleVisual("hike-1", "user-1", session.Observation{
		Kind:      session.KindVisual,
		Timestamp: 0,
		Payload:   []byte{0xff, 0xd8},
	})
	fx.orch.Drain()

	// One attempt only; the next admitted sample supersedes a failed cycle.
	assert.Equal(t, 1, fx.backend.callCount())

	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()
	assert.Len(t, snap.Visual, 1, "the sample still joins the context window")
	assert.Empty(t, snap.Results)
	assert.Empty(t, fx.queue.Pending("user-1"))
	assert.Empty(t, drainEvents(events))
}

func TestLateResultAfterTeardownIsDropped(t *testing.T) {
	backend := &fakeBackend{
		reply: `{"summary":"late","detected_features":{"terrain":"scree"}}`,
		block: make(chan struct{}),
	}
	fx := newPipelineFixture(backend, 4)
	events := fx.hub.Subscribe("hike-1")

	fx.orch.HandleVisual("hike-1", "user-1", session.Observation{
		Kind:      session.KindVisual,
		Timestamp: 0,
		Payload:   []byte{0xff, 0xd8},
	})

	// The session ends while the oracle is still thinking.
	fx.store.Discard("hike-1")
	close(backend.block)
	fx.orch.Drain()

	_, ok := fx.store.Get("hike-1")
	assert.False(t, ok, "dropped result must not resurrect the session")
	assert.Empty(t, drainEvents(events))
}

func TestSaturatedSemaphoreDropsAnalysis(t *testing.T) {
	backend := &fakeBackend{
		reply: `{"summary":"view"}`,
		block: make(chan struct{}),
	}
	fx := newPipelineFixture(backend, 1)

	obs := session.Observation{Kind: session.KindVisual, Timestamp: 0, Payload: []byte{0xff, 0xd8}}
	fx.orch.HandleVisual("hike-1", "user-1", obs)
	fx.orch.HandleVisual("hike-1", "user-1", obs)

	close(backend.block)
	fx.orch.Drain()

	// The second admitted frame found the slot taken and was shed.
	assert.Equal(t, 1, fx.backend.callCount())
	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()
	assert.Len(t, snap.Visual, 2)
	assert.Len(t, snap.Results, 1)
}
