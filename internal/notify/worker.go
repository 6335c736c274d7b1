package notify

import (
	"log/slog"
	"time"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/metrics"
)

const defaultSweep = 5 * time.Second

// Worker periodically sweeps the alert queue and pushes pending alerts
// through the configured sender. Failed pushes stay queued and are retried
// on the next sweep.
type Worker struct {
	queue    *alert.Queue
	sender   Sender
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a delivery worker over the shared alert queue.
func NewWorker(queue *alert.Queue, sender Sender, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultSweep
	}
	return &Worker{
		queue:    queue,
		sender:   sender,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flush()
			case <-w.stop:
				w.flush()
				return
			}
		}
	}()
	slog.Info("alert delivery started", "channel", w.sender.Name(), "sweep", w.interval)
}

// Stop runs one final sweep and shuts the loop down.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) flush() {
	pending := w.queue.PendingAll()
	if len(pending) == 0 {
		return
	}

	delivered := make(map[string][]string)
	for _, a := range pending {
		if err := w.sender.Send(a.UserID, Render(a)); err != nil {
			slog.Warn("alert delivery failed", "user_id", a.UserID, "alert_id", a.ID, "error", err)
			continue
		}
		delivered[a.UserID] = append(delivered[a.UserID], a.ID)
		metrics.AlertsDelivered.WithLabelValues(w.sender.Name()).Inc()
	}
	for userID, ids := range delivered {
		w.queue.MarkDelivered(userID, ids...)
	}
}
