package alert

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ecotrails/insight-gateway/internal/metrics"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// Predicate is one named condition over a stage result. Each firing predicate
// yields exactly one alert with the predicate's fixed category, urgency, and
// haptic intensity.
type Predicate struct {
	Name      string
	Stage     string
	Category  string
	Urgency   string
	Vibration int
	Match     func(r stage.Result) (string, bool)
}

// Router evaluates stage results against registered predicates and queues the
// resulting alerts.
type Router struct {
	queue      *Queue
	predicates []Predicate
	now        func() time.Time
}

// NewRouter creates a router over the default predicate set.
func NewRouter(queue *Queue) *Router {
	return &Router{
		queue:      queue,
		predicates: defaultPredicates(),
		now:        time.Now,
	}
}

// Register adds a predicate. Meant for wiring time, not concurrent use.
func (r *Router) Register(p Predicate) {
	r.predicates = append(r.predicates, p)
}

// Evaluate runs every predicate for the result's stage and queues one alert
// per match. Failed results never alert. The emitted alerts are returned so
// callers can fan them out to live listeners as well.
func (r *Router) Evaluate(sessionID, userID string, res stage.Result) []Alert {
	if res.Status != stage.StatusOK {
		return nil
	}

	var emitted []Alert
	for _, p := range r.predicates {
		if p.Stage != res.Stage {
			continue
		}
		msg, ok := p.Match(res)
		if !ok {
			continue
		}
		a := Alert{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    userID,
			Predicate: p.Name,
			Category:  p.Category,
			Message:   msg,
			Urgency:   p.Urgency,
			Vibration: p.Vibration,
			CreatedAt: r.now(),
		}
		r.queue.Append(a)
		metrics.AlertsEmitted.WithLabelValues(p.Category).Inc()
		slog.Info("alert", "session_id", sessionID, "predicate", p.Name, "category", p.Category, "urgency", p.Urgency)
		emitted = append(emitted, a)
	}
	return emitted
}
