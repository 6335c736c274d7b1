// Package alert turns streaming stage results into real-time hiker alerts
// and queues them per user for delivery.
package alert

import (
	"sort"
	"sync"
	"time"
)

// Alert is one notification owed to a user. Alerts are never deduplicated:
// hearing running water twice means two alerts.
type Alert struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Predicate string    `json:"predicate"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Urgency   string    `json:"urgency"`
	Vibration int       `json:"vibration"`
	CreatedAt time.Time `json:"created_at"`
	Delivered bool      `json:"delivered"`
}

// Urgency levels, paired with haptic intensity 1..3.
const (
	UrgencyInfo     = "info"
	UrgencyElevated = "elevated"
	UrgencyUrgent   = "urgent"
)

const defaultQueueCap = 500

// Queue holds per-user alert lists in arrival order. Entries stay queued
// until a delivery channel marks them delivered; a generous per-user cap
// sheds the oldest entries if delivery never happens.
type Queue struct {
	mu     sync.RWMutex
	byUser map[string][]Alert
	max    int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byUser: make(map[string][]Alert), max: defaultQueueCap}
}

// Append adds an alert to its user's queue.
func (q *Queue) Append(a Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.byUser[a.UserID]
	if len(list) >= q.max {
		list = list[1:]
	}
	q.byUser[a.UserID] = append(list, a)
}

// Pending returns the user's undelivered alerts, oldest first.
func (q *Queue) Pending(userID string) []Alert {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []Alert
	for _, a := range q.byUser[userID] {
		if !a.Delivered {
			out = append(out, a)
		}
	}
	return out
}

// PendingAll returns undelivered alerts across every user, ordered by user
// then oldest first. The stable order keeps delivery sweeps predictable.
func (q *Queue) PendingAll() []Alert {
	q.mu.RLock()
	defer q.mu.RUnlock()
	users := make([]string, 0, len(q.byUser))
	for userID := range q.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	var out []Alert
	for _, userID := range users {
		for _, a := range q.byUser[userID] {
			if !a.Delivered {
				out = append(out, a)
			}
		}
	}
	return out
}

// History returns the user's full queue, delivered entries included.
func (q *Queue) History(userID string) []Alert {
	q.mu.RLock()
	defer q.mu.RUnlock()
	list := q.byUser[userID]
	out := make([]Alert, len(list))
	copy(out, list)
	return out
}

// MarkDelivered flags the given alert IDs as delivered.
func (q *Queue) MarkDelivered(userID string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.byUser[userID]
	for i := range list {
		if want[list[i].ID] {
			list[i].Delivered = true
		}
	}
}
