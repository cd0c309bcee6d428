package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/ingest"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Processor is the pipeline surface the receiver hands events to.
type Processor interface {
	Process(ctx context.Context, ev *event.CanonicalEvent) (ingest.Outcome, error)
}

// DefaultMaxBodyBytes bounds webhook payloads. Oversized bodies are
// rejected before signature verification to avoid resource exhaustion.
const DefaultMaxBodyBytes = 1 * 1024 * 1024

// Receiver terminates provider webhooks: body limit, signature check,
// normalization, then pipeline hand-off. One endpoint per provider.
type Receiver struct {
	pipeline  Processor
	verifiers map[string]Verifier
	maxBody   int64

	// Stats
	received   int64
	rejected   int64
	duplicates int64
	queued     int64
}

// NewReceiver creates a Receiver with per-provider verifiers.
func NewReceiver(pipeline Processor, verifiers map[string]Verifier, maxBody int64) *Receiver {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Receiver{
		pipeline:  pipeline,
		verifiers: verifiers,
		maxBody:   maxBody,
	}
}

// Routes mounts one POST endpoint per configured provider.
func (rc *Receiver) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", rc.Handle)
	return r
}

// Handle processes a single provider notification.
//
// Response contract:
//
//	200: applied, or recognized duplicate of an already-applied event
//	202: accepted; enrollment not yet resolved, queued for retry
//	400: malformed payload or unsupported event type (not retried here)
//	401: signature verification failed
func (rc *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	verifier, ok := rc.verifiers[provider]
	if !ok {
		respond(w, http.StatusNotFound, "unknown provider")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rc.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			atomic.AddInt64(&rc.rejected, 1)
			respond(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respond(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// Raw bytes, never re-serialized: the HMAC is over the wire payload.
	if err := verifier.Verify(r, body); err != nil {
		atomic.AddInt64(&rc.rejected, 1)
		logger.Warn("webhook signature rejected", "provider", provider, "remote", r.RemoteAddr)
		respond(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	ev, err := Normalize(provider, body)
	if err != nil {
		atomic.AddInt64(&rc.rejected, 1)
		var unsupported *event.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			logger.Warn("unsupported event type", "provider", provider, "raw_type", unsupported.Raw)
		} else {
			logger.Warn("malformed payload", "provider", provider, "error", err.Error())
		}
		respond(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := rc.pipeline.Process(r.Context(), ev)
	if err != nil {
		// Queue store and fallback buffer both unavailable; ask the
		// provider to redeliver later.
		logger.Error("event intake failed", "provider", provider, "error", err.Error())
		respond(w, http.StatusServiceUnavailable, "temporarily unable to accept events")
		return
	}

	atomic.AddInt64(&rc.received, 1)
	switch outcome {
	case ingest.OutcomeDuplicate:
		atomic.AddInt64(&rc.duplicates, 1)
		respond(w, http.StatusOK, "duplicate")
	case ingest.OutcomeQueued:
		atomic.AddInt64(&rc.queued, 1)
		respond(w, http.StatusAccepted, "queued")
	default:
		respond(w, http.StatusOK, "processed")
	}
}

// Stats returns current receiver statistics.
func (rc *Receiver) Stats() map[string]int64 {
	return map[string]int64{
		"received":   atomic.LoadInt64(&rc.received),
		"rejected":   atomic.LoadInt64(&rc.rejected),
		"duplicates": atomic.LoadInt64(&rc.duplicates),
		"queued":     atomic.LoadInt64(&rc.queued),
	}
}

func respond(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": msg})
}
