package session

import "sync"

// Store holds the context windows of all live sessions. Windows are created
// lazily on first append and dropped wholesale on discard; there is no
// persistence behind them.
type Store struct {
	mu      sync.RWMutex
	caps    Caps
	windows map[string]*Window
}

// NewStore builds an empty store whose windows use the given caps.
func NewStore(caps Caps) *Store {
	return &Store{
		caps:    caps,
		windows: make(map[string]*Window),
	}
}

// GetOrCreate returns the session's window, creating it on first use.
func (s *Store) GetOrCreate(sessionID string) *Window {
	s.mu.RLock()
	w, ok := s.windows[sessionID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[sessionID]; ok {
		return w
	}
	w = NewWindow(sessionID, s.caps)
	s.windows[sessionID] = w
	return w
}

// Get returns the session's window without creating one.
func (s *Store) Get(sessionID string) (*Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[sessionID]
	return w, ok
}

// Discard drops the session's window and every sample in it. Discarding a
// session that has no window is a no-op.
func (s *Store) Discard(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
}

// Len reports how many sessions currently hold a window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}
