// Package ws is the device-facing stream endpoint: one WebSocket per
// device+session, JSON messages in, acks plus live pipeline events out.
package ws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecotrails/insight-gateway/internal/insight"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stream"
)

// A single frame message can carry a whole base64 photo, so the read limit
// sits well above what audio chunks and telemetry need.
const maxMessageBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared pipeline pieces for all device sessions.
type HandlerConfig struct {
	Registry      *session.Registry
	Store         *session.Store
	Orchestrator  *stream.Orchestrator
	Hub           *stream.Hub
	Insights      *insight.Service // optional; session_end kicks off batch analysis
	MaxConcurrent int
}

// Handler manages device stream sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a device stream handler with a connection limit. Each
// live session holds media buffers, so the default stays modest.
func NewHandler(cfg HandlerConfig) *Handler {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 64
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, limit)}
}

// sessionMetadata is the first text frame sent by the device.
type sessionMetadata struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Device    string `json:"device,omitempty"`
	FrameMIME string `json:"frame_mime,omitempty"`
	AudioMIME string `json:"audio_mime,omitempty"`
}

// deviceMessage is one inbound JSON message after the metadata frame.
type deviceMessage struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Frame     string             `json:"frame,omitempty"` // base64 media bytes
	Audio     string             `json:"audio,omitempty"` // base64 media bytes
	GPS       *gpsFix            `json:"gps,omitempty"`
	Data      map[string]float64 `json:"data,omitempty"`
}

type gpsFix struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Altitude float64 `json:"altitude"`
}

func (g *gpsFix) point() *session.GeoPoint {
	if g == nil {
		return nil
	}
	return &session.GeoPoint{Lat: g.Lat, Lng: g.Lng, Altitude: g.Altitude}
}

// serverMessage is one outbound control frame. Pipeline events ride the same
// connection as marshaled stream.Event frames.
type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection and runs the device session.
// Returns 503 at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "session capacity reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	h.runSession(conn)
}

func (h *Handler) runSession(conn *websocket.Conn) {
	writer := newFrameWriter(conn)

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read session metadata", "error", err)
		return
	}
	if meta.SessionID == "" || meta.UserID == "" {
		writer.send(serverMessage{Type: "error", Error: "session_id and user_id required"})
		return
	}
	if meta.FrameMIME == "" {
		meta.FrameMIME = "image/jpeg"
	}
	if meta.AudioMIME == "" {
		meta.AudioMIME = "audio/wav"
	}

	entry, err := h.cfg.Registry.Register(meta.SessionID, meta.UserID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: "session already active"})
		} else {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: err.Error()})
		}
		return
	}
	h.cfg.Store.GetOrCreate(meta.SessionID)
	slog.Info("session started", "session_id", meta.SessionID, "user_id", meta.UserID, "device", meta.Device)
	h.cfg.Hub.Broadcast(stream.Event{Type: "status", SessionID: meta.SessionID, Status: string(session.StatusActive)})

	// Pipeline events for this session flow back over the same socket.
	events := h.cfg.Hub.Subscribe(meta.SessionID)
	done := make(chan struct{})
	go forwardEvents(writer, events, done)

	ended := h.readLoop(conn, writer, meta)

	close(done)
	h.cfg.Hub.Unsubscribe(meta.SessionID, events)
	h.teardown(meta, entry, ended)
}

// readLoop consumes device messages until session_end or connection loss.
func (h *Handler) readLoop(conn *websocket.Conn, writer *frameWriter, meta *sessionMetadata) bool {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", meta.SessionID, "error", err)
			return false
		}
		if msgType != websocket.TextMessage {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: "binary frames not accepted"})
			continue
		}

		var msg deviceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: "malformed message"})
			continue
		}
		if h.handleMessage(writer, meta, msg) {
			return true
		}
	}
}

// handleMessage dispatches one device message. Returns true on session_end.
func (h *Handler) handleMessage(writer *frameWriter, meta *sessionMetadata, msg deviceMessage) bool {
	switch msg.Type {
	case "video_frame":
		payload, err := base64.StdEncoding.DecodeString(msg.Frame)
		if err != nil || len(payload) == 0 {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: "bad frame payload"})
			return false
		}
		h.cfg.Registry.Touch(meta.SessionID)
		h.cfg.Orchestrator.HandleVisual(meta.SessionID, meta.UserID, session.Observation{
			Kind:      session.KindVisual,
			Timestamp: msg.Timestamp,
			MIME:      meta.FrameMIME,
			Payload:   payload,
			Location:  msg.GPS.point(),
		})

	case "audio_chunk":
		payload, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil || len(payload) == 0 {
			writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: "bad audio payload"})
			return false
		}
		h.cfg.Registry.Touch(meta.SessionID)
		h.cfg.Orchestrator.HandleAcoustic(meta.SessionID, meta.UserID, session.Observation{
			Kind:      session.KindAcoustic,
			Timestamp: msg.Timestamp,
			MIME:      meta.AudioMIME,
			Payload:   payload,
			Location:  msg.GPS.point(),
		})

	case "telemetry":
		pt := session.TrackPoint{Timestamp: msg.Timestamp}
		sensors := make(map[string]float64)
		for k, v := range msg.Data {
			switch k {
			case "lat":
				pt.Lat = v
			case "lng":
				pt.Lng = v
			case "altitude":
				pt.Altitude = v
			default:
				sensors[k] = v
			}
		}
		if len(sensors) > 0 {
			pt.Sensors = sensors
		}
		h.cfg.Registry.Touch(meta.SessionID)
		h.cfg.Orchestrator.HandleTelemetry(meta.SessionID, meta.UserID, pt)

	case "heartbeat":
		h.cfg.Registry.Touch(meta.SessionID)
		writer.send(serverMessage{Type: "heartbeat_ack", SessionID: meta.SessionID, Timestamp: msg.Timestamp})

	case "session_end":
		writer.send(serverMessage{Type: "session_ended", SessionID: meta.SessionID})
		return true

	default:
		writer.send(serverMessage{Type: "error", SessionID: meta.SessionID, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
	return false
}

// teardown releases session state. A clean session_end marks the session
// completed and hands its final snapshot to batch analysis; a dropped
// connection marks it failed and the data is gone.
func (h *Handler) teardown(meta *sessionMetadata, entry session.Entry, ended bool) {
	status := session.StatusCompleted
	if !ended {
		status = session.StatusFailed
	}
	h.cfg.Registry.End(meta.SessionID, status)

	if ended && h.cfg.Insights != nil {
		if win, ok := h.cfg.Store.Get(meta.SessionID); ok {
			data := insight.FromSnapshot(win.Snapshot(), meta.UserID, entry.StartedAt, time.Now())
			if _, err := h.cfg.Insights.StartAnalysis(data); err != nil {
				slog.Warn("start analysis on session end", "session_id", meta.SessionID, "error", err)
			}
		}
	}

	h.cfg.Store.Discard(meta.SessionID)
	h.cfg.Hub.Broadcast(stream.Event{Type: "status", SessionID: meta.SessionID, Status: string(status)})
	slog.Info("session closed", "session_id", meta.SessionID, "status", status)
}

// frameWriter serializes all writes to one connection.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newFrameWriter(conn *websocket.Conn) *frameWriter {
	return &frameWriter{conn: conn}
}

func (w *frameWriter) send(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	w.raw(data)
}

func (w *frameWriter) raw(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("write frame", "error", err)
	}
}

func forwardEvents(writer *frameWriter, events chan []byte, done chan struct{}) {
	for {
		select {
		case data := <-events:
			writer.raw(data)
		case <-done:
			return
		}
	}
}

func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, errors.New("metadata frame must be text")
	}
	var meta sessionMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return &meta, nil
}
