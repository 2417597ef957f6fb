// Package web serves a read-only view of the run ledger and the metrics endpoint.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/metalagman/stepflow/internal/ledger"
	"github.com/rs/zerolog/log"
)

// RunSource lists runs and their events.
type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]ledger.Run, error)
	Events(ctx context.Context, runID string) ([]ledger.EventRow, error)
}

// Server provides the web UI handlers.
type Server struct {
	runs    RunSource
	metrics http.Handler
	tmpl    *template.Template
}

//go:embed templates/*.html
var templatesFS embed.FS

// NewServer creates a server. A nil metrics handler disables /metrics.
func NewServer(runs RunSource, metrics http.Handler) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{runs: runs, metrics: metrics, tmpl: tmpl}, nil
}

// Routes returns the router for the web UI.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleAPIEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.render(w, "index.html", runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.runs.Events(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.NotFound(w, r)
		return
	}
	s.render(w, "run.html", struct {
		RunID  string
		Events []ledger.EventRow
	}{RunID: id, Events: events})
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.runs.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []ledger.EventRow{}
	}
	writeJSON(w, events)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}
