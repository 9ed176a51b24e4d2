// Package server exposes the memory engine and heartbeat scheduler over a
// local HTTP API.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/heartbeat"
)

// Server is the recall HTTP API server.
type Server struct {
	engine    *engine.Engine
	scheduler *heartbeat.Scheduler
	router    chi.Router
	version   string
	started   time.Time
}

// New creates a new Server. The scheduler may be nil when heartbeats are
// disabled; the heartbeat routes then answer 503.
func New(e *engine.Engine, sched *heartbeat.Scheduler, version string) *Server {
	s := &Server{
		engine:    e,
		scheduler: sched,
		version:   version,
		started:   time.Now(),
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
		r.Get("/stats", s.handleStats)

		r.Put("/documents", s.handlePutDocument)
		r.Get("/documents", s.handleGetDocument)
		r.Delete("/documents", s.handleDeleteDocument)
		r.Get("/documents/list", s.handleListDocuments)
		r.Post("/documents/append", s.handleAppend)

		r.Get("/search", s.handleSearch)
		r.Get("/identity", s.handleIdentity)

		r.Get("/embeddings/pending", s.handlePendingEmbeddings)
		r.Post("/embeddings/{chunkID}/claim", s.handleClaimEmbedding)
		r.Post("/embeddings/{chunkID}/complete", s.handleCompleteEmbedding)
		r.Post("/embeddings/{chunkID}/fail", s.handleFailEmbedding)

		r.Post("/heartbeats", s.handleConfigureHeartbeat)
		r.Get("/heartbeats", s.handleGetHeartbeat)
		r.Get("/heartbeats/list", s.handleListHeartbeats)
		r.Post("/heartbeats/enable", s.handleEnableHeartbeat)
		r.Post("/heartbeats/trigger", s.handleTriggerHeartbeat)
		r.Get("/heartbeats/due", s.handleDueHeartbeats)
		r.Post("/heartbeats/claim", s.handleClaimHeartbeat)
		r.Post("/heartbeats/{heartbeatID}/complete", s.handleCompleteHeartbeat)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.engine.DB.Path,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
