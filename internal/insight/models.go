// Package insight runs the deep ten-stage analysis over a finished session
// and persists its durable artifacts: the ranked report, discoveries,
// milestones, and the narrative entry.
package insight

import (
	"fmt"
	"sort"
	"time"

	"github.com/ecotrails/insight-gateway/internal/oracle"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// Run statuses. Pending and processing are transient; completed and failed
// are terminal. A re-run is always a fresh Run, never a resume.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Run is one batch analysis pass over a session.
type Run struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	FailedStage string     `json:"failed_stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	Input       string     `json:"-"` // serialized SessionData, media excluded
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// StageArtifact is one persisted stage execution within a run.
type StageArtifact struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Position   int       `json:"position"` // 1-based order in the pipeline
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	DurationMs float64   `json:"duration_ms"`
	Output     string    `json:"output,omitempty"` // raw JSON payload
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Card is one ranked insight in the final report.
type Card struct {
	Rank       int      `json:"rank"`
	Title      string   `json:"title"`
	Insight    string   `json:"insight"`
	Confidence string   `json:"confidence,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Discovery is a confidence-labeled find surfaced by the analysis.
type Discovery struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Confidence  string    `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

// Milestone is one earned waypoint of the session.
type Milestone struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Label     string    `json:"label"`
	Evidence  string    `json:"evidence,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is everything a completed run persists beyond its stage artifacts.
type Outcome struct {
	RunID       string
	SessionID   string
	UserID      string
	Cards       []Card
	Discoveries []Discovery
	Milestones  []Milestone
	Narrative   string
}

// Report is the user-facing product of a completed run.
type Report struct {
	RunID       string      `json:"run_id"`
	SessionID   string      `json:"session_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Cards       []Card      `json:"cards"`
	Narrative   string      `json:"narrative,omitempty"`
	Discoveries []Discovery `json:"discoveries,omitempty"`
	Milestones  []Milestone `json:"milestones,omitempty"`
}

// Aggregate is the user's historical footprint, fed to the achievement stage.
type Aggregate struct {
	CompletedRuns  int      `json:"completed_runs"`
	Discoveries    int      `json:"discoveries"`
	MilestoneCodes []string `json:"milestone_codes"`
}

// SessionData is the raw material for one run: what the live pipeline
// accumulated before the session closed. Media payloads are process-local
// and never persisted, so a re-run from a stored input goes text-only.
type SessionData struct {
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at"`
	Track     []session.TrackPoint `json:"track,omitempty"`
	TrackSeen int                  `json:"track_seen"`
	Features  map[string]string    `json:"features,omitempty"`
	Live      []stage.Result       `json:"live,omitempty"`
	Frames    []oracle.Media       `json:"-"`
	Clips     []oracle.Media       `json:"-"`
}

// FromSnapshot converts a live context window into batch input. Visual and
// acoustic samples become media parts, newest last.
func FromSnapshot(snap session.Snapshot, userID string, startedAt, endedAt time.Time) SessionData {
	data := SessionData{
		SessionID: snap.SessionID,
		UserID:    userID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Track:     snap.Track,
		TrackSeen: snap.TrackSeen,
		Features:  snap.Features,
		Live:      snap.Results,
	}
	for _, obs := range snap.Visual {
		data.Frames = append(data.Frames, observationMedia(obs, "image/jpeg"))
	}
	for _, obs := range snap.Acoustic {
		data.Clips = append(data.Clips, observationMedia(obs, "audio/wav"))
	}
	return data
}

func observationMedia(obs session.Observation, defMIME string) oracle.Media {
	mime := obs.MIME
	if mime == "" {
		mime = defMIME
	}
	return oracle.Media{MIME: mime, Data: obs.Payload}
}

// LastPosition returns the most recent track point, if any.
func (d SessionData) LastPosition() (session.TrackPoint, bool) {
	if len(d.Track) == 0 {
		return session.TrackPoint{}, false
	}
	return d.Track[len(d.Track)-1], true
}

// Digest renders the base session context every stage starts from.
func (d SessionData) Digest() string {
	var b []byte
	b = fmt.Appendf(b, "Session %s by user %s.\n", d.SessionID, d.UserID)
	if !d.StartedAt.IsZero() && !d.EndedAt.IsZero() {
		mins := d.EndedAt.Sub(d.StartedAt).Minutes()
		b = fmt.Appendf(b, "Started %s, ended %s (%.0f minutes).\n",
			d.StartedAt.UTC().Format(time.RFC3339), d.EndedAt.UTC().Format(time.RFC3339), mins)
	}
	b = fmt.Appendf(b, "Track: %d points retained of %d recorded.\n", len(d.Track), d.TrackSeen)
	if n := len(d.Track); n > 0 {
		first, last := d.Track[0], d.Track[n-1]
		b = fmt.Appendf(b, "Route from lat %.5f lng %.5f to lat %.5f lng %.5f.\n",
			first.Lat, first.Lng, last.Lat, last.Lng)
		lo, hi := first.Altitude, first.Altitude
		for _, p := range d.Track {
			if p.Altitude < lo {
				lo = p.Altitude
			}
			if p.Altitude > hi {
				hi = p.Altitude
			}
		}
		b = fmt.Appendf(b, "Altitude range %.0fm to %.0fm.\n", lo, hi)
		b = append(b, "Track tail, oldest first:\n"...)
		tail := d.Track
		if len(tail) > 30 {
			tail = tail[len(tail)-30:]
		}
		for _, p := range tail {
			b = fmt.Appendf(b, "t=%d lat=%.5f lng=%.5f alt=%.0f\n", p.Timestamp, p.Lat, p.Lng, p.Altitude)
		}
	}
	if len(d.Features) > 0 {
		b = append(b, "Observed environment:"...)
		for _, k := range sortedKeys(d.Features) {
			b = fmt.Appendf(b, " %s=%s", k, d.Features[k])
		}
		b = append(b, ".\n"...)
	}
	if len(d.Live) > 0 {
		b = fmt.Appendf(b, "Live analysis produced %d results during the session:\n", len(d.Live))
		for _, res := range d.Live {
			if summary := res.Text("summary"); summary != "" {
				b = fmt.Appendf(b, "- [%s] %s\n", res.Stage, summary)
			}
		}
	}
	b = fmt.Appendf(b, "Captured media: %d frames, %d audio clips.\n", len(d.Frames), len(d.Clips))
	return string(b)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
