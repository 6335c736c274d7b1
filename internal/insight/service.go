package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAnalysisRunning is returned when a session already has a run in flight.
var ErrAnalysisRunning = errors.New("analysis already running for session")

// Service is the entry point for batch analysis. Runs execute as background
// tasks; Status and Report read whatever the store has so far.
type Service struct {
	store   Store
	runner  *Runner
	mu      sync.Mutex
	running map[string]bool // sessionID → run in flight
	wg      sync.WaitGroup
}

// NewService creates the batch analysis service.
func NewService(store Store, runner *Runner) *Service {
	return &Service{
		store:   store,
		runner:  runner,
		running: make(map[string]bool),
	}
}

// StartAnalysis creates a pending run over the given session data and kicks
// off the ten-stage pipeline in the background. At most one run per session
// is in flight at a time; a finished run can always be re-run from scratch.
func (s *Service) StartAnalysis(data SessionData) (string, error) {
	if data.SessionID == "" || data.UserID == "" {
		return "", fmt.Errorf("start analysis: session and user required")
	}

	s.mu.Lock()
	if s.running[data.SessionID] {
		s.mu.Unlock()
		return "", ErrAnalysisRunning
	}
	s.running[data.SessionID] = true
	s.mu.Unlock()

	input, err := json.Marshal(data)
	if err != nil {
		s.release(data.SessionID)
		return "", fmt.Errorf("encode run input: %w", err)
	}
	run := Run{
		ID:        uuid.NewString(),
		SessionID: data.SessionID,
		UserID:    data.UserID,
		Status:    StatusPending,
		Input:     string(input),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRun(run); err != nil {
		s.release(data.SessionID)
		return "", fmt.Errorf("create run: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(data.SessionID)
		s.runner.run(context.Background(), run.ID, data)
	}()
	return run.ID, nil
}

// Reanalyze starts a fresh full run from the stored input of the session's
// newest run. Media payloads are not persisted, so the re-run is text-only.
func (s *Service) Reanalyze(sessionID string) (string, error) {
	prev, err := s.store.LatestRun(sessionID)
	if err != nil {
		return "", err
	}
	var data SessionData
	if err := json.Unmarshal([]byte(prev.Input), &data); err != nil {
		return "", fmt.Errorf("decode run input: %w", err)
	}
	return s.StartAnalysis(data)
}

// Status returns the session's most recent run.
func (s *Service) Status(sessionID string) (*Run, error) {
	return s.store.LatestRun(sessionID)
}

// Report returns the report of the session's newest completed run, or
// ErrRunNotFound if no run has completed yet.
func (s *Service) Report(sessionID string) (*Report, error) {
	return s.store.LatestReport(sessionID)
}

// Stages returns the per-stage artifacts of a run, in execution order.
func (s *Service) Stages(runID string) ([]StageArtifact, error) {
	return s.store.Artifacts(runID)
}

// Drain waits for in-flight runs to finish. Used on shutdown and in tests.
func (s *Service) Drain() {
	s.wg.Wait()
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.running, sessionID)
	s.mu.Unlock()
}
