package insight

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const maxArtifactOutput = 8192

// artifactWriter persists stage artifacts off the pipeline's critical path
// via a buffered channel. Close drains outstanding writes before returning,
// so a run's artifacts are durable by the time its status turns terminal.
type artifactWriter struct {
	store Store
	runID string
	ch    chan StageArtifact
	done  chan struct{}
}

func newArtifactWriter(store Store, runID string) *artifactWriter {
	w := &artifactWriter{
		store: store,
		runID: runID,
		ch:    make(chan StageArtifact, 16),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *artifactWriter) drain() {
	defer close(w.done)
	for a := range w.ch {
		if err := w.store.SaveArtifact(a); err != nil {
			slog.Warn("artifact write failed", "run_id", a.RunID, "stage", a.Stage, "error", err)
		}
	}
}

// record queues one stage execution for persistence.
func (w *artifactWriter) record(stageName string, position int, status string, attempts int, durationMs float64, output, errMsg string) {
	w.ch <- StageArtifact{
		ID:         uuid.NewString(),
		RunID:      w.runID,
		Stage:      stageName,
		Position:   position,
		Status:     status,
		Attempts:   attempts,
		DurationMs: durationMs,
		Output:     truncate(output, maxArtifactOutput),
		Error:      errMsg,
		CreatedAt:  time.Now(),
	}
}

// Close drains pending writes and stops the background goroutine.
func (w *artifactWriter) Close() {
	close(w.ch)
	<-w.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
