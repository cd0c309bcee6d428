package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/ingest"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// HandleListDeadLetters lists dead-lettered events, newest first.
//
//	GET /api/dead-letters?channel=email&event_type=bounced&limit=50
func (s *Server) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := store.DeadLetterFilter{
		Channel:   event.Channel(r.URL.Query().Get("channel")),
		EventType: event.Type(r.URL.Query().Get("event_type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	letters, err := s.store.ListDeadLetters(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	out := make([]map[string]interface{}, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterSummary(dl, false))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": out,
		"count":        len(out),
	})
}

// HandleGetDeadLetter returns one dead letter including its raw payload.
//
//	GET /api/dead-letters/{id}
func (s *Server) HandleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	dl, err := s.store.GetDeadLetter(r.Context(), id)
	if errors.Is(err, store.ErrDeadLetterNotFound) {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load dead letter")
		return
	}
	respondJSON(w, http.StatusOK, deadLetterSummary(dl, true))
}

// HandleReplayDeadLetter re-injects a dead-lettered event at the front of
// the pipeline, starting again at enrollment resolution. Replay is an
// explicit per-event operator action; there is deliberately no bulk replay
// endpoint, to keep an operator mistake from becoming a replay storm.
//
//	POST /api/dead-letters/{id}/replay
func (s *Server) HandleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	dl, err := s.store.GetDeadLetter(r.Context(), id)
	if errors.Is(err, store.ErrDeadLetterNotFound) {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load dead letter")
		return
	}

	outcome, err := s.pipeline.Process(r.Context(), dl.ToCanonicalEvent())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "replay could not be accepted")
		return
	}

	if err := s.store.MarkReplayed(r.Context(), id); err != nil {
		logger.Warn("replay bookkeeping failed", "dead_letter_id", id.String(), "error", err.Error())
	}

	status := "applied"
	switch outcome {
	case ingest.OutcomeDuplicate:
		status = "duplicate"
	case ingest.OutcomeQueued:
		status = "queued"
	}
	logger.Info("dead letter replayed", "dead_letter_id", id.String(), "outcome", status)
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// HandleOrphanStats reports retry-queue depth, due backlog, age, and
// fallback state.
//
//	GET /api/orphans/stats
func (s *Server) HandleOrphanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		// Partial stats (fallback counters) are still useful when Redis is
		// down. That is exactly when operators look here.
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"stats": stats,
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

// HandleCreateEnrollment enrolls a contact into a campaign instance. The
// (instance, contact) uniqueness constraint makes this safe under
// concurrent duplicate requests: the second request gets the existing row.
//
//	POST /api/enrollments
func (s *Server) HandleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID    string `json:"instance_id"`
		Email         string `json:"email"`
		ProfileHandle string `json:"profile_handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	instanceID, err := uuid.Parse(req.InstanceID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid instance_id")
		return
	}
	if req.Email == "" && req.ProfileHandle == "" {
		respondError(w, http.StatusBadRequest, "email or profile_handle required")
		return
	}

	contactID, err := s.store.EnsureContact(r.Context(), req.Email, req.ProfileHandle)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve contact")
		return
	}

	enrollmentID, created, err := s.store.CreateEnrollment(r.Context(), instanceID, contactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create enrollment")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]interface{}{
		"enrollment_id": enrollmentID,
		"contact_id":    contactID,
		"created":       created,
	})
}

func deadLetterSummary(dl *store.DeadLetter, includePayload bool) map[string]interface{} {
	out := map[string]interface{}{
		"id":                dl.ID,
		"provider_event_id": dl.ProviderEventID,
		"channel":           dl.Channel,
		"event_type":        dl.EventType,
		"instance_id":       dl.InstanceID,
		"contact_ref":       logger.RedactContact(dl.ContactRef),
		"occurred_at":       dl.OccurredAt,
		"attempts":          dl.Attempts,
		"first_seen_at":     dl.FirstSeenAt,
		"last_error":        dl.LastError,
		"reason":            dl.Reason,
		"created_at":        dl.CreatedAt,
		"replay_count":      dl.ReplayCount,
	}
	if dl.ReplayedAt.Valid {
		out["replayed_at"] = dl.ReplayedAt.Time
	}
	if includePayload {
		out["raw_payload"] = string(dl.RawPayload)
	}
	return out
}
