// Package server exposes the engram HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/substratehq/engram/internal/lifecycle"
	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/provenance"
	"github.com/substratehq/engram/internal/retrieval"
	"github.com/substratehq/engram/internal/session"
	"github.com/substratehq/engram/internal/store"
)

// Server is the engram HTTP API server.
type Server struct {
	db       *store.DB
	claims   *lifecycle.Manager
	index    *retrieval.Index
	ledger   *provenance.Ledger
	sessions *session.Manager
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a new Server wired to the engine components.
func New(db *store.DB, claims *lifecycle.Manager, index *retrieval.Index, ledger *provenance.Ledger, sessions *session.Manager, version string) *Server {
	s := &Server{
		db:       db,
		claims:   claims,
		index:    index,
		ledger:   ledger,
		sessions: sessions,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/claims", s.handleProposeClaim)
		r.Get("/claims/{claimID}", s.handleGetClaim)
		r.Post("/claims/{claimID}/approve", s.handleApproveClaim)
		r.Post("/claims/{claimID}/reject", s.handleRejectClaim)
		r.Post("/claims/{claimID}/retract", s.handleRetractClaim)

		r.Get("/search", s.handleSearch)

		r.Post("/sources", s.handleRegisterSource)
		r.Post("/sources/{sourceID}/revisions", s.handleEditSource)
		r.Delete("/sources/{sourceID}", s.handleDeleteSource)
		r.Get("/stale", s.handleListStale)

		r.Post("/sessions/{sessionID}/mention", s.handleMention)
		r.Post("/sessions/{sessionID}/activate", s.handleActivate)
		r.Post("/sessions/{sessionID}/compact", s.handleCompact)
		r.Post("/sessions/{sessionID}/rehydrated", s.handleRehydrated)
		r.Get("/sessions/{sessionID}/state", s.handleSessionState)
		r.Post("/sessions/{sessionID}/end", s.handleEndSession)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidPredicate),
		errors.Is(err, model.ErrCardinalityViolation),
		errors.Is(err, model.ErrStaleEvidence):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEpochMismatch):
		status = http.StatusConflict
	case errors.Is(err, model.ErrApprovalRequired):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
