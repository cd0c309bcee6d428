package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/outreach-engine/internal/event"
	"github.com/ignite/outreach-engine/internal/orphan"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/store"
)

// Outcome classifies what happened to an inbound event.
type Outcome int

const (
	// OutcomeApplied means the event was durably applied.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the provider event id was already applied;
	// the request still succeeds.
	OutcomeDuplicate
	// OutcomeQueued means the enrollment could not be resolved (or the
	// store was briefly unavailable) and the event is parked for retry.
	OutcomeQueued
)

// Stater is the store surface the pipeline needs: enrollment resolution and
// the atomic apply transaction.
type Stater interface {
	ResolveEnrollment(ctx context.Context, ev *event.CanonicalEvent) (*store.Enrollment, error)
	ApplyEvent(ctx context.Context, enr *store.Enrollment, ev *event.CanonicalEvent) (*store.ApplyResult, error)
}

// Enqueuer is the orphan queue surface the pipeline needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *orphan.Record, runAt time.Time) error
}

// Pipeline runs the post-authentication stages of ingestion: resolve the
// enrollment, apply the event, or park it as an orphan. Verification and
// normalization happen at the HTTP boundary; retry happens in the orphan
// scheduler. The pipeline holds no mutable state, so it is safe for fully
// parallel per-request use.
type Pipeline struct {
	store Stater
	queue Enqueuer
}

// New creates a Pipeline.
func New(st Stater, queue Enqueuer) *Pipeline {
	return &Pipeline{store: st, queue: queue}
}

// Attempt resolves and applies a single event, with no retry bookkeeping.
// Used by the HTTP path, the orphan scheduler, and dead-letter replay.
// Returns store.ErrEnrollmentNotFound when the enrollment does not exist yet.
func (p *Pipeline) Attempt(ctx context.Context, ev *event.CanonicalEvent) (Outcome, error) {
	enr, err := p.store.ResolveEnrollment(ctx, ev)
	if err != nil {
		return OutcomeQueued, err
	}

	res, err := p.store.ApplyEvent(ctx, enr, ev)
	if err != nil {
		return OutcomeQueued, err
	}
	if res.Duplicate {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

// Process handles an inbound event end to end. Resolution misses and
// transient store failures both park the event in the orphan queue rather
// than surfacing an error to the provider; only a full fallback buffer
// propagates an error.
func (p *Pipeline) Process(ctx context.Context, ev *event.CanonicalEvent) (Outcome, error) {
	outcome, err := p.Attempt(ctx, ev)
	if err == nil {
		return outcome, nil
	}

	rec := orphan.NewRecord(ev)
	if !errors.Is(err, store.ErrEnrollmentNotFound) {
		// Infrastructure failure, not a miss. Park it anyway so the event
		// is not lost, and keep the cause for operators.
		rec.LastError = err.Error()
		logger.Warn("event parked after apply failure",
			"channel", string(ev.Channel),
			"event_type", string(ev.Type),
			"error", err.Error(),
		)
	}

	if qErr := p.queue.Enqueue(ctx, rec, time.Now()); qErr != nil {
		return OutcomeQueued, qErr
	}
	return OutcomeQueued, nil
}

// RetryAttempt adapts Attempt to the orphan scheduler's callback shape.
func (p *Pipeline) RetryAttempt(ctx context.Context, ev *event.CanonicalEvent) error {
	_, err := p.Attempt(ctx, ev)
	return err
}
