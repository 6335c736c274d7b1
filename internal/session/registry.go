package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ecotrails/insight-gateway/internal/metrics"
)

var (
	// ErrDuplicateSession is returned when a session ID is already registered
	// and not yet in a terminal state.
	ErrDuplicateSession = errors.New("session already active")
	// ErrUnknownSession is returned for operations on an unregistered session.
	ErrUnknownSession = errors.New("unknown session")
)

// Registry tracks every session the gateway knows about and its lifecycle
// state. Entries survive past teardown in a terminal state until the janitor
// removes them, so late status queries still resolve.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Register adds a new active session. A session ID may be reused only after
// its previous run reached a terminal state.
func (r *Registry) Register(sessionID, userID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok && !terminal(e.Status) {
		return Entry{}, ErrDuplicateSession
	}

	now := r.now()
	e := &Entry{
		SessionID: sessionID,
		UserID:    userID,
		Status:    StatusActive,
		StartedAt: now,
		LastSeen:  now,
	}
	r.entries[sessionID] = e
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	return *e, nil
}

// Touch records liveness for a session. Unknown or terminal sessions are ignored.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && !terminal(e.Status) {
		e.LastSeen = r.now()
	}
}

// SetStatus moves a live session between active and paused.
func (r *Registry) SetStatus(sessionID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if terminal(e.Status) {
		return ErrUnknownSession
	}
	e.Status = status
	e.LastSeen = r.now()
	return nil
}

// End moves a session into a terminal state. Ending an already terminal or
// unknown session is a no-op, so teardown can run from multiple paths.
func (r *Registry) End(sessionID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || terminal(e.Status) {
		return
	}
	e.Status = status
	e.LastSeen = r.now()
	metrics.SessionsActive.Dec()
}

// Get returns a copy of the session's entry.
func (r *Registry) Get(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Active returns all non-terminal sessions, newest first.
func (r *Registry) Active() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !terminal(e.Status) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Stale returns live sessions whose last activity is older than maxIdle.
func (r *Registry) Stale(maxIdle time.Duration) []Entry {
	cutoff := r.now().Add(-maxIdle)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if !terminal(e.Status) && e.LastSeen.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out
}

// Expired returns terminal sessions whose last activity is older than ttl.
func (r *Registry) Expired(ttl time.Duration) []Entry {
	cutoff := r.now().Add(-ttl)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if terminal(e.Status) && e.LastSeen.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out
}

// Remove drops a session entry entirely.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		if !terminal(e.Status) {
			metrics.SessionsActive.Dec()
		}
		delete(r.entries, sessionID)
	}
}

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}
