package session

import (
	"sync"

	"github.com/ecotrails/insight-gateway/internal/metrics"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// Caps bound the per-session context buffers.
type Caps struct {
	Visual   int
	Acoustic int
	Track    int
	Results  int
}

// DefaultCaps returns the stock buffer bounds.
func DefaultCaps() Caps {
	return Caps{Visual: 30, Acoustic: 10, Track: 100, Results: 20}
}

// ring is a FIFO buffer that drops its oldest element once full.
type ring[T any] struct {
	buf []T
	max int
}

func newRing[T any](max int) ring[T] {
	return ring[T]{max: max}
}

// push appends v and reports whether an element was evicted to make room.
func (r *ring[T]) push(v T) bool {
	evicted := false
	if r.max > 0 && len(r.buf) >= r.max {
		r.buf = r.buf[1:]
		evicted = true
	}
	r.buf = append(r.buf, v)
	return evicted
}

func (r *ring[T]) items() []T {
	out := make([]T, len(r.buf))
	copy(out, r.buf)
	return out
}

// Window is the live reasoning context of one session: bounded sample buffers,
// the merged environmental feature map, and the most recent stage results.
// Safe for concurrent use; readers get copies.
type Window struct {
	mu        sync.RWMutex
	sessionID string
	visual    ring[Observation]
	acoustic  ring[Observation]
	track     ring[TrackPoint]
	features  map[string]string
	results   ring[stage.Result]
	trackSeen int
}

// NewWindow builds an empty window with the given caps.
func NewWindow(sessionID string, caps Caps) *Window {
	return &Window{
		sessionID: sessionID,
		visual:    newRing[Observation](caps.Visual),
		acoustic:  newRing[Observation](caps.Acoustic),
		track:     newRing[TrackPoint](caps.Track),
		features:  make(map[string]string),
		results:   newRing[stage.Result](caps.Results),
	}
}

// AddVisual appends a visual sample, evicting the oldest when the buffer is full.
func (w *Window) AddVisual(o Observation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.visual.push(o) {
		metrics.ContextEvictions.WithLabelValues(string(KindVisual)).Inc()
	}
}

// AddAcoustic appends an acoustic sample, evicting the oldest when the buffer is full.
func (w *Window) AddAcoustic(o Observation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acoustic.push(o) {
		metrics.ContextEvictions.WithLabelValues(string(KindAcoustic)).Inc()
	}
}

// AddTrack appends a track point and returns how many points this session has
// seen in total, including ones already evicted from the buffer.
func (w *Window) AddTrack(p TrackPoint) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.track.push(p) {
		metrics.ContextEvictions.WithLabelValues(string(KindTelemetry)).Inc()
	}
	w.trackSeen++
	return w.trackSeen
}

// MergeFeatures folds detected environmental features into the window. Later
// values overwrite earlier ones key by key; absent keys are left alone.
func (w *Window) MergeFeatures(features map[string]string) {
	if len(features) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range features {
		w.features[k] = v
	}
}

// AddResult appends a completed stage result to the recent-results buffer.
func (w *Window) AddResult(r stage.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results.push(r)
}

// Snapshot is a point-in-time copy of a window, safe to read without locks.
type Snapshot struct {
	SessionID string            `json:"session_id"`
	Visual    []Observation     `json:"visual"`
	Acoustic  []Observation     `json:"acoustic"`
	Track     []TrackPoint      `json:"track"`
	Features  map[string]string `json:"features"`
	Results   []stage.Result    `json:"results"`
	TrackSeen int               `json:"track_seen"`
}

// Snapshot copies the window contents. Buffers come back oldest first.
func (w *Window) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	features := make(map[string]string, len(w.features))
	for k, v := range w.features {
		features[k] = v
	}
	return Snapshot{
		SessionID: w.sessionID,
		Visual:    w.visual.items(),
		Acoustic:  w.acoustic.items(),
		Track:     w.track.items(),
		Features:  features,
		Results:   w.results.items(),
		TrackSeen: w.trackSeen,
	}
}
