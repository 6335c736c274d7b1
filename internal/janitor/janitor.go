// Package janitor owns the periodic housekeeping sweeps: sessions that stop
// heartbeating get reaped, terminal registry entries and old insight runs get
// evicted after their TTL.
package janitor

import (
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/ecotrails/insight-gateway/internal/insight"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stream"
)

// Config wires a Janitor. Insights and Hub are optional.
type Config struct {
	Registry   *session.Registry
	Store      *session.Store
	Insights   insight.Store
	Hub        *stream.Hub
	StaleAfter time.Duration // heartbeat grace before a live session is reaped, default 2m
	EntryTTL   time.Duration // terminal registry entries linger this long, default 1h
	RunTTL     time.Duration // terminal insight runs linger this long, default 30d
	Schedule   string        // cron expression with seconds, default every 30s
}

// Janitor schedules the sweeps on a cron runner.
type Janitor struct {
	registry   *session.Registry
	store      *session.Store
	insights   insight.Store
	hub        *stream.Hub
	staleAfter time.Duration
	entryTTL   time.Duration
	runTTL     time.Duration
	schedule   string
	cron       *rcron.Cron
}

// New creates a janitor from config.
func New(cfg Config) *Janitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = time.Hour
	}
	if cfg.RunTTL <= 0 {
		cfg.RunTTL = 30 * 24 * time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/30 * * * * *"
	}
	return &Janitor{
		registry:   cfg.Registry,
		store:      cfg.Store,
		insights:   cfg.Insights,
		hub:        cfg.Hub,
		staleAfter: cfg.StaleAfter,
		entryTTL:   cfg.EntryTTL,
		runTTL:     cfg.RunTTL,
		schedule:   cfg.Schedule,
	}
}

// Start registers the sweep on the cron runner and starts it.
func (j *Janitor) Start() error {
	j.cron = rcron.New(rcron.WithSeconds())
	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	slog.Info("janitor started", "schedule", j.schedule, "stale_after", j.staleAfter, "run_ttl", j.runTTL)
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) sweep() {
	for _, e := range j.registry.Stale(j.staleAfter) {
		slog.Warn("reaping stale session", "session_id", e.SessionID, "last_seen", e.LastSeen)
		j.registry.End(e.SessionID, session.StatusFailed)
		j.store.Discard(e.SessionID)
		if j.hub != nil {
			j.hub.Broadcast(stream.Event{Type: "status", SessionID: e.SessionID, Status: "reaped"})
		}
	}

	for _, e := range j.registry.Expired(j.entryTTL) {
		j.registry.Remove(e.SessionID)
	}

	if j.insights != nil {
		n, err := j.insights.PruneTerminal(time.Now().Add(-j.runTTL))
		if err != nil {
			slog.Warn("insight prune failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned insight runs", "count", n)
		}
	}
}
