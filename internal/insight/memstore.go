package insight

import (
	"sort"
	"sync"
	"time"
)

// MemStore keeps insight data in process memory. It backs tests and
// deployments without a database; nothing survives a restart.
type MemStore struct {
	mu        sync.RWMutex
	runs      []*Run // insertion order
	artifacts map[string][]StageArtifact
	outcomes  map[string]*Outcome
	savedAt   map[string]time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		artifacts: make(map[string][]StageArtifact),
		outcomes:  make(map[string]*Outcome),
		savedAt:   make(map[string]time.Time),
	}
}

func (s *MemStore) CreateRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, &r)
	return nil
}

func (s *MemStore) MarkProcessing(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(runID); r != nil && r.Status == StatusPending {
		r.Status = StatusProcessing
	}
	return nil
}

func (s *MemStore) FinishRun(runID, status, failedStage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(runID); r != nil {
		now := time.Now()
		r.Status = status
		r.FailedStage = failedStage
		r.Error = errMsg
		r.FinishedAt = &now
	}
	return nil
}

func (s *MemStore) SaveArtifact(a StageArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	return nil
}

func (s *MemStore) SaveOutcome(o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.RunID] = &o
	s.savedAt[o.RunID] = time.Now()
	return nil
}

func (s *MemStore) LatestRun(sessionID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].SessionID == sessionID {
			cp := *s.runs[i]
			return &cp, nil
		}
	}
	return nil, ErrRunNotFound
}

func (s *MemStore) Artifacts(runID string) ([]StageArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.artifacts[runID]
	out := make([]StageArtifact, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemStore) LatestReport(sessionID string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if r.SessionID != sessionID || r.Status != StatusCompleted {
			continue
		}
		o, ok := s.outcomes[r.ID]
		if !ok {
			continue
		}
		rep := &Report{
			RunID:       r.ID,
			SessionID:   r.SessionID,
			GeneratedAt: s.savedAt[r.ID],
			Cards:       append([]Card(nil), o.Cards...),
			Narrative:   o.Narrative,
			Discoveries: append([]Discovery(nil), o.Discoveries...),
			Milestones:  append([]Milestone(nil), o.Milestones...),
		}
		return rep, nil
	}
	return nil, ErrRunNotFound
}

func (s *MemStore) UserAggregate(userID string) (Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg Aggregate
	codes := make(map[string]struct{})
	for _, r := range s.runs {
		if r.UserID != userID || r.Status != StatusCompleted {
			continue
		}
		agg.CompletedRuns++
		if o, ok := s.outcomes[r.ID]; ok {
			agg.Discoveries += len(o.Discoveries)
			for _, m := range o.Milestones {
				codes[m.Code] = struct{}{}
			}
		}
	}
	for code := range codes {
		agg.MilestoneCodes = append(agg.MilestoneCodes, code)
	}
	sort.Strings(agg.MilestoneCodes)
	return agg, nil
}

func (s *MemStore) PruneTerminal(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.runs[:0]
	pruned := 0
	for _, r := range s.runs {
		if r.Terminal() && r.FinishedAt != nil && r.FinishedAt.Before(olderThan) {
			delete(s.artifacts, r.ID)
			delete(s.outcomes, r.ID)
			delete(s.savedAt, r.ID)
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.runs = kept
	return pruned, nil
}

func (s *MemStore) Close() error { return nil }

// find assumes the caller holds the lock.
func (s *MemStore) find(runID string) *Run {
	for _, r := range s.runs {
		if r.ID == runID {
			return r
		}
	}
	return nil
}
