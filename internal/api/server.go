package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/outreach-engine/internal/ingest"
	"github.com/ignite/outreach-engine/internal/orphan"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/webhook"
)

// Server wires the webhook receiver, operator endpoints, and health probes
// onto one chi router.
type Server struct {
	store    *store.Store
	queue    *orphan.Queue
	pipeline *ingest.Pipeline
	receiver *webhook.Receiver
	health   *HealthChecker
}

// NewServer creates the API server.
func NewServer(st *store.Store, queue *orphan.Queue, pipeline *ingest.Pipeline, receiver *webhook.Receiver, health *HealthChecker) *Server {
	return &Server{
		store:    st,
		queue:    queue,
		pipeline: pipeline,
		receiver: receiver,
		health:   health,
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Provider-facing webhook intake
	r.Mount("/webhooks", s.receiver.Routes())

	// Operator interface
	r.Route("/api", func(r chi.Router) {
		r.Get("/dead-letters", s.HandleListDeadLetters)
		r.Get("/dead-letters/{id}", s.HandleGetDeadLetter)
		r.Post("/dead-letters/{id}/replay", s.HandleReplayDeadLetter)
		r.Get("/orphans/stats", s.HandleOrphanStats)
		r.Post("/enrollments", s.HandleCreateEnrollment)
		r.Get("/stats", s.HandleStats)
	})

	// Health probes
	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)

	return r
}

// HandleStats exposes receiver counters for dashboards.
//
//	GET /api/stats
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"receiver": s.receiver.Stats(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Printf("respondJSON encode error: %v\n", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
