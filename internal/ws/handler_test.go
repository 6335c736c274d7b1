package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/gate"
	"github.com/ecotrails/insight-gateway/internal/insight"
	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
	"github.com/ecotrails/insight-gateway/internal/stream"
)

type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	fixed   string
	calls   int
}

func (b *scriptedBackend) Complete(_ context.Context, _ oracle.Prompt) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.replies) > 0 {
		next := b.replies[0]
		b.replies = b.replies[1:]
		return next, nil
	}
	return b.fixed, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// batchReplies is one schema-valid reply per deep analysis stage, in order.
func batchReplies() []string {
	return []string{
		`{"distance_km":4.2,"elevation_gain_m":310,"duration_minutes":95,"summary":"short ridge loop"}`,
		`{"milestones":[]}`,
		`{"summary":"pine forest throughout"}`,
		`{"summary":"wind and birdsong","detected_sounds":["wind"]}`,
		`{"findings":[]}`,
		`{"discoveries":[]}`,
		`{"summary":"calm and green"}`,
		`{"codes":[]}`,
		`{"narrative":"A short loop under the pines."}`,
		`{"cards":[{"rank":1,"title":"Ridge loop","insight":"steady pace start to finish"}]}`,
	}
}

type deviceFixture struct {
	srv      *httptest.Server
	registry *session.Registry
	store    *session.Store
	queue    *alert.Queue
	insights *insight.Service
	backend  *scriptedBackend
}

func newDeviceFixture(t *testing.T, backend *scriptedBackend, withInsights bool, maxConcurrent int) *deviceFixture {
	t.Helper()

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

	registry := session.NewRegistry()
	store := session.NewStore(session.DefaultCaps())
	queue := alert.NewQueue()
	hub := stream.NewHub()
	orch := stream.New(stream.Config{
		Gate:   gate.New(gate.DefaultConfig()),
		Store:  store,
		Oracle: client,
		Alerts: alert.NewRouter(queue),
		Hub:    hub,
	})

	var insights *insight.Service
	if withInsights {
		istore := insight.NewMemStore()
		runner := insight.NewRunner(insight.RunnerConfig{Oracle: client, Store: istore})
		insights = insight.NewService(istore, runner)
	}

	h := NewHandler(HandlerConfig{
		Registry:      registry,
		Store:         store,
		Orchestrator:  orch,
		Hub:           hub,
		Insights:      insights,
		MaxConcurrent: maxConcurrent,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &deviceFixture{
		srv:      srv,
		registry: registry,
		store:    store,
		queue:    queue,
		insights: insights,
		backend:  backend,
	}
}

func (f *deviceFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *deviceFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func startSession(t *testing.T, conn *websocket.Conn, sessionID, userID string) {
	t.Helper()
	sendJSON(t, conn, map[string]string{"session_id": sessionID, "user_id": userID})
}

func TestSessionLifecycleOverSocket(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)
	conn := fx.dial(t)
	startSession(t, conn, "hike-1", "user-1")

	sendJSON(t, conn, map[string]any{"type": "heartbeat", "timestamp": 4242})
	ack := readReply(t, conn)
	assert.Equal(t, "heartbeat_ack", ack["type"])
	assert.Equal(t, "hike-1", ack["session_id"])
	assert.EqualValues(t, 4242, ack["timestamp"])

	entry, ok := fx.registry.Get("hike-1")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, entry.Status)
	assert.Equal(t, "user-1", entry.UserID)

	sendJSON(t, conn, map[string]any{"type": "session_end"})
	bye := readReply(t, conn)
	assert.Equal(t, "session_ended", bye["type"])
	assert.Equal(t, "hike-1", bye["session_id"])

	require.Eventually(t, func() bool {
		entry, ok := fx.registry.Get("hike-1")
		return ok && entry.Status == session.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	_, ok = fx.store.Get("hike-1")
	assert.False(t, ok, "context window should be discarded on session end")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server should close the socket after session_end")
}

func TestMediaSamplesLandInContextWindow(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)
	conn := fx.dial(t)
	sendJSON(t, conn, map[string]string{
		"session_id": "hike-1",
		"user_id":    "user-1",
		"frame_mime": "image/png",
		"audio_mime": "audio/ogg",
	})

	// Mid-cycle timestamps so the gate rejects both and no analysis runs.
	sendJSON(t, conn, map[string]any{
		"type":      "video_frame",
		"timestamp": 2500,
		"frame":     base64.StdEncoding.EncodeToString([]byte("frame-bytes")),
		"gps":       map[string]float64{"lat": 46.5, "lng": 7.9, "altitude": 1200},
	})
	sendJSON(t, conn, map[string]any{
		"type":      "audio_chunk",
		"timestamp": 12500,
		"audio":     base64.StdEncoding.EncodeToString([]byte("clip-bytes")),
	})
	sendJSON(t, conn, map[string]any{
		"type":      "telemetry",
		"timestamp": 3000,
		"data":      map[string]float64{"lat": 46.5001, "lng": 7.9002, "altitude": 1204, "heart_rate": 128},
	})

	// Heartbeat ack doubles as an ordering barrier for the messages above.
	sendJSON(t, conn, map[string]any{"type": "heartbeat", "timestamp": 3500})
	readReply(t, conn)

	win, ok := fx.store.Get("hike-1")
	require.True(t, ok)
	snap := win.Snapshot()

	require.Len(t, snap.Visual, 1)
	assert.Equal(t, []byte("frame-bytes"), snap.Visual[0].Payload)
	assert.Equal(t, "image/png", snap.Visual[0].MIME)
	require.NotNil(t, snap.Visual[0].Location)
	assert.InDelta(t, 46.5, snap.Visual[0].Location.Lat, 1e-9)

	require.Len(t, snap.Acoustic, 1)
	assert.Equal(t, []byte("clip-bytes"), snap.Acoustic[0].Payload)
	assert.Equal(t, "audio/ogg", snap.Acoustic[0].MIME)

	require.Len(t, snap.Track, 1)
	assert.InDelta(t, 46.5001, snap.Track[0].Lat, 1e-9)
	assert.InDelta(t, 1204, snap.Track[0].Altitude, 1e-9)
	assert.Equal(t, map[string]float64{"heart_rate": 128}, snap.Track[0].Sensors)
	assert.Equal(t, 1, snap.TrackSeen)

	assert.Equal(t, 0, fx.backend.callCount(), "rejected samples must not reach the oracle")
}

func TestAdmittedFrameStreamsResultBack(t *testing.T) {
	backend := &scriptedBackend{
		fixed: `{"summary":"stream crossing ahead","detected_sounds":["stream"],"detected_features":{"water":"stream"}}`,
	}
	fx := newDeviceFixture(t, backend, false, 0)
	conn := fx.dial(t)
	startSession(t, conn, "hike-1", "user-1")

	// Cycle-aligned timestamp, so the gate admits the frame.
	sendJSON(t, conn, map[string]any{
		"type":      "video_frame",
		"timestamp": 5000,
		"frame":     base64.StdEncoding.EncodeToString([]byte("frame-bytes")),
	})

	result := readReply(t, conn)
	assert.Equal(t, "stage_result", result["type"])
	assert.Equal(t, "hike-1", result["session_id"])
	assert.Equal(t, string(stage.FrameScan), result["stage"])

	alertEvt := readReply(t, conn)
	assert.Equal(t, "alert", alertEvt["type"])
	body, ok := alertEvt["alert"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Water detected nearby: stream", body["message"])

	pending := fx.queue.Pending("user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "hike-1", pending[0].SessionID)
}

func TestSessionEndTriggersAnalysis(t *testing.T) {
	backend := &scriptedBackend{replies: batchReplies()}
	fx := newDeviceFixture(t, backend, true, 0)
	conn := fx.dial(t)
	startSession(t, conn, "hike-1", "user-1")

	sendJSON(t, conn, map[string]any{
		"type":      "telemetry",
		"timestamp": 1000,
		"data":      map[string]float64{"lat": 46.5, "lng": 7.9, "altitude": 980},
	})
	sendJSON(t, conn, map[string]any{"type": "session_end"})
	bye := readReply(t, conn)
	require.Equal(t, "session_ended", bye["type"])

	require.Eventually(t, func() bool {
		run, err := fx.insights.Status("hike-1")
		return err == nil && run.Status == insight.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	report, err := fx.insights.Report("hike-1")
	require.NoError(t, err)
	require.Len(t, report.Cards, 1)
	assert.Equal(t, "Ridge loop", report.Cards[0].Title)
	assert.Equal(t, 10, fx.backend.callCount())
}

func TestDuplicateSessionRejected(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)

	first := fx.dial(t)
	startSession(t, first, "hike-1", "user-1")
	sendJSON(t, first, map[string]any{"type": "heartbeat", "timestamp": 1})
	readReply(t, first)

	second := fx.dial(t)
	startSession(t, second, "hike-1", "user-2")
	errMsg := readReply(t, second)
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "session already active", errMsg["error"])

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := second.ReadMessage()
	assert.Error(t, err, "rejected connection should be closed")

	// The original session is untouched.
	sendJSON(t, first, map[string]any{"type": "heartbeat", "timestamp": 2})
	ack := readReply(t, first)
	assert.Equal(t, "heartbeat_ack", ack["type"])
	entry, ok := fx.registry.Get("hike-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", entry.UserID)
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)
	conn := fx.dial(t)
	startSession(t, conn, "hike-1", "user-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json{{")))
	reply := readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "malformed message", reply["error"])

	sendJSON(t, conn, map[string]any{"type": "levitate"})
	reply = readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["error"], `unknown message type "levitate"`)

	sendJSON(t, conn, map[string]any{"type": "video_frame", "timestamp": 0, "frame": "!!not base64!!"})
	reply = readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "bad frame payload", reply["error"])

	// Bad messages do not kill the session.
	sendJSON(t, conn, map[string]any{"type": "heartbeat", "timestamp": 9})
	ack := readReply(t, conn)
	assert.Equal(t, "heartbeat_ack", ack["type"])
}

func TestMetadataRequiresSessionAndUser(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)
	conn := fx.dial(t)
	sendJSON(t, conn, map[string]string{"session_id": "hike-1"})

	reply := readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "session_id and user_id required", reply["error"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, fx.registry.Active())
}

func TestClientDropMarksSessionFailed(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 0)
	conn := fx.dial(t)
	startSession(t, conn, "hike-1", "user-1")
	sendJSON(t, conn, map[string]any{"type": "heartbeat", "timestamp": 1})
	readReply(t, conn)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		entry, ok := fx.registry.Get("hike-1")
		return ok && entry.Status == session.StatusFailed
	}, time.Second, 5*time.Millisecond)
	_, ok := fx.store.Get("hike-1")
	assert.False(t, ok, "context window should be discarded on connection loss")
}

func TestRejectsConnectionsAtCapacity(t *testing.T) {
	fx := newDeviceFixture(t, &scriptedBackend{fixed: `{"summary":"quiet trail","detected_sounds":[]}`}, false, 1)

	first := fx.dial(t)
	startSession(t, first, "hike-1", "user-1")
	sendJSON(t, first, map[string]any{"type": "heartbeat", "timestamp": 1})
	readReply(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Ending the first session frees the slot.
	sendJSON(t, first, map[string]any{"type": "session_end"})
	readReply(t, first)
	require.Eventually(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(fx.wsURL(), nil)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}