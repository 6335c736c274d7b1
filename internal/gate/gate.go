// Package gate thins the inbound media firehose down to what the reasoning
// oracle can afford to look at. Admission is a pure function of the sample's
// capture timestamp: a sample passes iff the timestamp falls inside the
// admission window at the start of its cycle, so devices with aligned clocks
// get sampled at the same trail moments without any coordination.
package gate

import (
	"time"

	"github.com/ecotrails/insight-gateway/internal/metrics"
	"github.com/ecotrails/insight-gateway/internal/session"
)

// Config sets the per-kind cycle lengths and the shared admission window.
type Config struct {
	VisualCycle   time.Duration
	AcousticCycle time.Duration
	Window        time.Duration
}

// DefaultConfig admits roughly one visual sample per 5s and one acoustic
// sample per 10s, with a 100ms window.
func DefaultConfig() Config {
	return Config{
		VisualCycle:   5 * time.Second,
		AcousticCycle: 10 * time.Second,
		Window:        100 * time.Millisecond,
	}
}

// Gate decides which media samples reach the oracle. Telemetry is never
// gated; its own cadence lives with the stream orchestrator.
type Gate struct {
	cycles   map[session.Kind]int64
	windowMs int64
}

// New builds a gate from config. Non-positive cycles fall back to defaults.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.VisualCycle <= 0 {
		cfg.VisualCycle = def.VisualCycle
	}
	if cfg.AcousticCycle <= 0 {
		cfg.AcousticCycle = def.AcousticCycle
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Gate{
		cycles: map[session.Kind]int64{
			session.KindVisual:   cfg.VisualCycle.Milliseconds(),
			session.KindAcoustic: cfg.AcousticCycle.Milliseconds(),
		},
		windowMs: cfg.Window.Milliseconds(),
	}
}

// Admit reports whether a sample with the given capture timestamp (ms since
// epoch) passes the gate. Kinds without a configured cycle always pass.
func (g *Gate) Admit(kind session.Kind, timestampMs int64) bool {
	cycle, gated := g.cycles[kind]
	if !gated {
		return true
	}
	phase := timestampMs % cycle
	if phase < 0 {
		phase += cycle
	}
	admitted := phase < g.windowMs
	if admitted {
		metrics.GateDecisions.WithLabelValues(string(kind), "admit").Inc()
	} else {
		metrics.GateDecisions.WithLabelValues(string(kind), "drop").Inc()
	}
	return admitted
}
