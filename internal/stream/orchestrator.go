// Package stream runs the live half of the reasoning pipeline: samples arrive
// from a device connection, the gate picks which ones earn an oracle call, and
// results flow back out as context updates, broadcasts, and alerts.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/gate"
	"github.com/ecotrails/insight-gateway/internal/metrics"
	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// Config wires an Orchestrator.
type Config struct {
	Gate     *gate.Gate
	Store    *session.Store
	Oracle   *oracle.Client
	Alerts   *alert.Router
	Hub      *Hub
	Every    int           // movement analysis cadence in track points, default 10
	Tail     int           // track points included in a movement prompt, default 12
	MaxCalls int           // concurrent oracle calls across sessions, default 8
	Timeout  time.Duration // per-call deadline, default 45s
}

// Orchestrator consumes device samples for live sessions. Every sample lands
// in the session's context window; only gate-admitted media and every Nth
// track point cost an oracle call. Failed calls are logged and dropped, never
// retried here; the next admitted sample supersedes them.
type Orchestrator struct {
	gate    *gate.Gate
	store   *session.Store
	oracle  *oracle.Client
	alerts  *alert.Router
	hub     *Hub
	every   int
	tail    int
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New creates a streaming orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Every <= 0 {
		cfg.Every = 10
	}
	if cfg.Tail <= 0 {
		cfg.Tail = 12
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Orchestrator{
		gate:    cfg.Gate,
		store:   cfg.Store,
		oracle:  cfg.Oracle,
		alerts:  cfg.Alerts,
		hub:     cfg.Hub,
		every:   cfg.Every,
		tail:    cfg.Tail,
		timeout: cfg.Timeout,
		sem:     make(chan struct{}, cfg.MaxCalls),
	}
}

// HandleVisual ingests one camera frame.
func (o *Orchestrator) HandleVisual(sessionID, userID string, obs session.Observation) {
	metrics.SamplesReceived.WithLabelValues(string(session.KindVisual)).Inc()
	win := o.store.GetOrCreate(sessionID)
	win.AddVisual(obs)

	if !o.gate.Admit(session.KindVisual, obs.Timestamp) {
		return
	}
	spec, _ := stage.Lookup(stage.FrameScan)
	media := []oracle.Media{{MIME: mimeOrDefault(obs, "image/jpeg"), Data: obs.Payload}}
	o.analyze(sessionID, userID, spec, media, streamContext(win.Snapshot()))
}

// HandleAcoustic ingests one audio clip.
func (o *Orchestrator) HandleAcoustic(sessionID, userID string, obs session.Observation) {
	metrics.SamplesReceived.WithLabelValues(string(session.KindAcoustic)).Inc()
	win := o.store.GetOrCreate(sessionID)
	win.AddAcoustic(obs)

	if !o.gate.Admit(session.KindAcoustic, obs.Timestamp) {
		return
	}
	spec, _ := stage.Lookup(stage.SoundScan)
	media := []oracle.Media{{MIME: mimeOrDefault(obs, "audio/wav"), Data: obs.Payload}}
	o.analyze(sessionID, userID, spec, media, streamContext(win.Snapshot()))
}

// HandleTelemetry ingests one track point. Every Nth accumulated point runs
// movement-event detection over the recent track, regardless of the gate.
func (o *Orchestrator) HandleTelemetry(sessionID, userID string, pt session.TrackPoint) {
	metrics.SamplesReceived.WithLabelValues(string(session.KindTelemetry)).Inc()
	win := o.store.GetOrCreate(sessionID)
	seen := win.AddTrack(pt)

	if seen%o.every != 0 {
		return
	}
	spec, _ := stage.Lookup(stage.MovementEvents)
	o.analyze(sessionID, userID, spec, nil, movementContext(win.Snapshot(), o.tail))
}

// Drain waits for in-flight oracle calls to finish. Used on shutdown.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// analyze runs one stage call in the background. The call outlives the
// inbound request that triggered it; if the session is torn down before the
// oracle answers, the result is dropped.
func (o *Orchestrator) analyze(sessionID, userID string, spec stage.Spec, media []oracle.Media, contextText string) {
	select {
	case o.sem <- struct{}{}:
	default:
		slog.Warn("oracle saturated, dropping analysis", "session_id", sessionID, "stage", spec.Name)
		metrics.StageResults.WithLabelValues(spec.Name, "dropped").Inc()
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()

		reply, err := o.oracle.Run(ctx, oracle.Request{
			Stage:       spec.Name,
			Instruction: spec.Instruction,
			Context:     contextText,
			Media:       media,
			Schema:      spec.Schema,
			Tier:        string(spec.Tier),
			NoRetry:     true,
		})
		if err != nil {
			slog.Error("streaming stage failed", "session_id", sessionID, "stage", spec.Name, "error", err)
			metrics.StageResults.WithLabelValues(spec.Name, stage.StatusFailed).Inc()
			return
		}
		o.finish(sessionID, userID, spec.Name, reply)
	}()
}

// finish applies a successful stage result: merge detected features, append
// to the recent-results list, broadcast, then route alerts.
func (o *Orchestrator) finish(sessionID, userID, stageName string, reply *oracle.Reply) {
	win, ok := o.store.Get(sessionID)
	if !ok {
		slog.Debug("dropping result for ended session", "session_id", sessionID, "stage", stageName)
		return
	}

	res := stage.Result{
		Stage:      stageName,
		ProducedAt: time.Now(),
		Status:     stage.StatusOK,
		Payload:    reply.Payload,
	}
	if conf, ok := reply.Payload["confidence"].(string); ok {
		res.Confidence = conf
	}

	if stageName == stage.FrameScan {
		win.MergeFeatures(featureMap(reply.Payload["detected_features"]))
	}
	win.AddResult(res)
	metrics.StageResults.WithLabelValues(stageName, stage.StatusOK).Inc()

	o.hub.Broadcast(Event{Type: "stage_result", SessionID: sessionID, Stage: stageName, Result: &res})

	for _, a := range o.alerts.Evaluate(sessionID, userID, res) {
		emitted := a
		o.hub.Broadcast(Event{Type: "alert", SessionID: sessionID, Alert: &emitted})
	}
}

func mimeOrDefault(obs session.Observation, def string) string {
	if obs.MIME != "" {
		return obs.MIME
	}
	return def
}

func featureMap(raw any) map[string]string {
	src, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// streamContext builds the short context string for media stages: the known
// environment snapshot and the most recent position.
func streamContext(snap session.Snapshot) string {
	var b strings.Builder
	if len(snap.Features) > 0 {
		keys := make([]string, 0, len(snap.Features))
		for k := range snap.Features {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Known environment so far:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, snap.Features[k])
		}
		b.WriteString(".\n")
	}
	if n := len(snap.Track); n > 0 {
		last := snap.Track[n-1]
		fmt.Fprintf(&b, "Last position: lat %.5f lng %.5f alt %.0fm.\n", last.Lat, last.Lng, last.Altitude)
	}
	if b.Len() == 0 {
		return "No prior context for this session yet."
	}
	return b.String()
}

// movementContext lists the recent track tail for event detection.
func movementContext(snap session.Snapshot, tail int) string {
	points := snap.Track
	if len(points) > tail {
		points = points[len(points)-tail:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent track, oldest first (%d of %d seen points):\n", len(points), snap.TrackSeen)
	for _, p := range points {
		fmt.Fprintf(&b, "t=%d lat=%.5f lng=%.5f alt=%.0f\n", p.Timestamp, p.Lat, p.Lng, p.Altitude)
	}
	return b.String()
}
