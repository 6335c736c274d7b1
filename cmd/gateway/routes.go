package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/insight"
	"github.com/ecotrails/insight-gateway/internal/session"
	"github.com/ecotrails/insight-gateway/internal/stream"
)

// defaultSessionLimit is how many live sessions are returned when the
// caller omits the ?limit= query parameter.
const defaultSessionLimit = 50

type deps struct {
	registry *session.Registry
	store    *session.Store
	queue    *alert.Queue
	hub      *stream.Hub
	insights *insight.Service
	ws       http.Handler
}

// registerRoutes attaches every HTTP endpoint to the mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.ws)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", d.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", d.handleSessionStream)
	mux.HandleFunc("GET /api/alerts", d.handleAlerts)
	mux.HandleFunc("POST /api/sessions/{id}/analysis", d.handleStartAnalysis)
	mux.HandleFunc("GET /api/sessions/{id}/analysis", d.handleAnalysisStatus)
	mux.HandleFunc("GET /api/sessions/{id}/analysis/stages", d.handleAnalysisStages)
	mux.HandleFunc("GET /api/sessions/{id}/report", d.handleReport)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultSessionLimit)
	sessions := d.registry.Active()
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

func (d deps) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := d.registry.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"session": entry}
	if win, found := d.store.Get(id); found {
		snap := win.Snapshot()
		resp["window"] = map[string]interface{}{
			"visual_samples":   len(snap.Visual),
			"acoustic_samples": len(snap.Acoustic),
			"track_points":     len(snap.Track),
			"track_seen":       snap.TrackSeen,
			"features":         snap.Features,
			"results":          snap.Results,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d deps) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("id")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")

	push := func(data []byte) {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if entry, found := d.registry.Get(id); found {
		evt := stream.Event{Type: "status", SessionID: id, Status: string(entry.Status), At: time.Now()}
		if data, err := json.Marshal(evt); err == nil {
			push(data)
		}
	}

	ch := d.hub.Subscribe(id)
	defer d.hub.Unsubscribe(id, ch)
	slog.Info("session stream client connected", "session_id", id, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("session stream client disconnected", "session_id", id, "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			push(msg)
		}
	}
}

func (d deps) handleAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter required", http.StatusBadRequest)
		return
	}

	var alerts []alert.Alert
	if r.URL.Query().Get("history") == "true" {
		alerts = d.queue.History(userID)
	} else {
		alerts = d.queue.Pending(userID)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// handleStartAnalysis kicks off a deep analysis run. A live session is
// analyzed from its current context window; a finished one re-runs from the
// stored input of its previous analysis.
func (d deps) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var runID string
	var err error
	if win, live := d.store.Get(id); live {
		entry, ok := d.registry.Get(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		data := insight.FromSnapshot(win.Snapshot(), entry.UserID, entry.StartedAt, time.Now())
		runID, err = d.insights.StartAnalysis(data)
	} else {
		runID, err = d.insights.Reanalyze(id)
	}

	if err != nil {
		switch {
		case errors.Is(err, insight.ErrAnalysisRunning):
			http.Error(w, "analysis already running", http.StatusConflict)
		case errors.Is(err, insight.ErrRunNotFound):
			http.Error(w, "unknown session", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	slog.Info("analysis requested", "session_id", id, "run_id", runID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": insight.StatusPending})
}

func (d deps) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	run, err := d.insights.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, insight.ErrRunNotFound) {
			http.Error(w, "no analysis for session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

func (d deps) handleAnalysisStages(w http.ResponseWriter, r *http.Request) {
	run, err := d.insights.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, insight.ErrRunNotFound) {
			http.Error(w, "no analysis for session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stages, err := d.insights.Stages(run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"run": run, "stages": stages})
}

func (d deps) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := d.insights.Report(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, insight.ErrRunNotFound) {
			http.Error(w, "no completed analysis for session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
