package insight

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecotrails/insight-gateway/internal/metrics"
	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/region"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Oracle    *oracle.Client
	Store     Store
	Region    *region.Retriever // optional; cross-reference stage degrades without it
	MaxFrames int               // media parts for the visual stage, default 4
	MaxClips  int               // media parts for the acoustic stage, default 2
}

// Runner executes the ten analysis stages strictly in order. Each stage sees
// the base session digest plus every earlier stage's output and nothing from
// later ones; the first stage to exhaust its retry budget fails the whole run.
type Runner struct {
	oracle    *oracle.Client
	store     Store
	region    *region.Retriever
	maxFrames int
	maxClips  int
}

// NewRunner creates a batch stage runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 4
	}
	if cfg.MaxClips <= 0 {
		cfg.MaxClips = 2
	}
	return &Runner{
		oracle:    cfg.Oracle,
		store:     cfg.Store,
		region:    cfg.Region,
		maxFrames: cfg.MaxFrames,
		maxClips:  cfg.MaxClips,
	}
}

func (r *Runner) run(ctx context.Context, runID string, data SessionData) string {
	if err := r.store.MarkProcessing(runID); err != nil {
		slog.Warn("mark processing failed", "run_id", runID, "error", err)
	}
	slog.Info("insight run started", "run_id", runID, "session_id", data.SessionID)

	writer := newArtifactWriter(r.store, runID)
	acc := newAccumulator(data)

	for i, sp := range stage.BatchSequence() {
		name := sp.Name
		spec, _ := stage.Lookup(name)
		contextText := acc.render(r.extras(ctx, spec, data, acc)...)

		start := time.Now()
		reply, err := r.oracle.Run(ctx, oracle.Request{
			Stage:       spec.Name,
			Instruction: spec.Instruction,
			Context:     contextText,
			Media:       r.media(spec, data),
			Schema:      spec.Schema,
			Tier:        string(spec.Tier),
		})
		elapsed := time.Since(start)
		metrics.InsightStageDuration.WithLabelValues(name).Observe(elapsed.Seconds())

		if err != nil {
			writer.record(name, i+1, stage.StatusFailed, 0, float64(elapsed.Milliseconds()), "", err.Error())
			writer.Close()
			return r.finish(runID, StatusFailed, name, err.Error())
		}

		writer.record(name, i+1, stage.StatusOK, reply.Attempts, float64(elapsed.Milliseconds()), reply.Raw, "")
		acc.add(name, reply.Raw, reply.Payload)
	}

	writer.Close()
	outcome := buildOutcome(runID, data, acc)
	if err := r.store.SaveOutcome(outcome); err != nil {
		return r.finish(runID, StatusFailed, "", fmt.Sprintf("persist outcome: %v", err))
	}
	return r.finish(runID, StatusCompleted, "", "")
}

func (r *Runner) finish(runID, status, failedStage, errMsg string) string {
	if err := r.store.FinishRun(runID, status, failedStage, errMsg); err != nil {
		slog.Error("finish run failed", "run_id", runID, "error", err)
	}
	metrics.InsightRuns.WithLabelValues(status).Inc()
	if status == StatusFailed {
		slog.Error("insight run failed", "run_id", runID, "stage", failedStage, "error", errMsg)
	} else {
		slog.Info("insight run completed", "run_id", runID)
	}
	return status
}

// extras builds stage-specific context blocks beyond the pure accumulation.
func (r *Runner) extras(ctx context.Context, spec stage.Spec, data SessionData, acc *accumulator) []string {
	switch spec.Name {
	case stage.GroundTruth:
		if r.region == nil {
			return nil
		}
		query := strings.TrimSpace(acc.text(stage.VisualPatterns, "summary") + " " + acc.text(stage.AcousticProfile, "summary"))
		if query == "" {
			return nil
		}
		var near *region.Geo
		if pt, ok := data.LastPosition(); ok {
			near = &region.Geo{Lat: pt.Lat, Lon: pt.Lng}
		}
		known, err := r.region.Context(ctx, near, query)
		if err != nil {
			slog.Warn("region lookup failed", "session_id", data.SessionID, "error", err)
			return nil
		}
		if known == "" {
			return nil
		}
		return []string{"Known facts about this region, for cross-reference:\n" + known}

	case stage.Achievements:
		agg, err := r.store.UserAggregate(data.UserID)
		if err != nil {
			slog.Warn("user aggregate failed", "user_id", data.UserID, "error", err)
			return nil
		}
		block := fmt.Sprintf("User history: %d completed analyses, %d discoveries.", agg.CompletedRuns, agg.Discoveries)
		if len(agg.MilestoneCodes) > 0 {
			block += " Prior milestone codes: " + strings.Join(agg.MilestoneCodes, ", ") + "."
		}
		return []string{block}
	}
	return nil
}

func (r *Runner) media(spec stage.Spec, data SessionData) []oracle.Media {
	if !spec.Media {
		return nil
	}
	switch spec.Name {
	case stage.VisualPatterns:
		return lastN(data.Frames, r.maxFrames)
	case stage.AcousticProfile:
		return lastN(data.Clips, r.maxClips)
	}
	return nil
}

func lastN(parts []oracle.Media, n int) []oracle.Media {
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return parts
}

// accumulator carries the widening context across stages. Earlier outputs
// are never mutated, only appended.
type accumulator struct {
	base     string
	order    []string
	raw      map[string]string
	payloads map[string]map[string]any
}

func newAccumulator(data SessionData) *accumulator {
	return &accumulator{
		base:     data.Digest(),
		raw:      make(map[string]string),
		payloads: make(map[string]map[string]any),
	}
}

func (a *accumulator) add(name, raw string, payload map[string]any) {
	a.order = append(a.order, name)
	a.raw[name] = raw
	a.payloads[name] = payload
}

func (a *accumulator) render(extras ...string) string {
	var b strings.Builder
	b.WriteString(a.base)
	if len(a.order) > 0 {
		b.WriteString("\nCompleted analysis stages, in order:\n")
		for i, name := range a.order {
			fmt.Fprintf(&b, "\n[%d] %s:\n%s\n", i+1, name, a.raw[name])
		}
	}
	for _, extra := range extras {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}

func (a *accumulator) text(name, key string) string {
	s, _ := a.payloads[name][key].(string)
	return s
}

// buildOutcome extracts the durable records from the final stage payloads.
func buildOutcome(runID string, data SessionData, acc *accumulator) Outcome {
	o := Outcome{RunID: runID, SessionID: data.SessionID, UserID: data.UserID}

	if items, ok := acc.payloads[stage.FinalReport]["cards"].([]any); ok {
		for _, raw := range items {
			m, _ := raw.(map[string]any)
			if m == nil {
				continue
			}
			card := Card{
				Title:      str(m["title"]),
				Insight:    str(m["insight"]),
				Confidence: str(m["confidence"]),
				Evidence:   strList(m["evidence"]),
			}
			if rank, ok := m["rank"].(float64); ok {
				card.Rank = int(rank)
			}
			o.Cards = append(o.Cards, card)
		}
		sort.SliceStable(o.Cards, func(i, j int) bool { return o.Cards[i].Rank < o.Cards[j].Rank })
	}

	if items, ok := acc.payloads[stage.Discoveries]["discoveries"].([]any); ok {
		for _, raw := range items {
			m, _ := raw.(map[string]any)
			if m == nil {
				continue
			}
			o.Discoveries = append(o.Discoveries, Discovery{
				ID:          uuid.NewString(),
				RunID:       runID,
				SessionID:   data.SessionID,
				UserID:      data.UserID,
				Title:       str(m["title"]),
				Description: str(m["description"]),
				Confidence:  str(m["confidence"]),
			})
		}
	}

	if items, ok := acc.payloads[stage.Milestones]["milestones"].([]any); ok {
		for _, raw := range items {
			m, _ := raw.(map[string]any)
			if m == nil {
				continue
			}
			o.Milestones = append(o.Milestones, Milestone{
				ID:        uuid.NewString(),
				RunID:     runID,
				SessionID: data.SessionID,
				Code:      str(m["code"]),
				Label:     str(m["label"]),
				Evidence:  str(m["evidence"]),
			})
		}
	}

	o.Narrative = acc.text(stage.Narrative, "narrative")
	return o
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
