package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
)

// Store is the transactional core of the ingestion engine: dedup insert,
// enrollment resolution, and the atomic state-applier transaction. All
// concurrency control lives in Postgres (row locks, unique constraints,
// atomic increments); the HTTP path runs multi-process by design and holds
// no application-level locks.
type Store struct {
	db *sql.DB
}

// New creates a Store on the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ResolveEnrollment looks up the enrollment matching the event's campaign
// instance and contact identity. The email channel matches on the contact's
// email address; network and video match on the profile handle. Returns
// ErrEnrollmentNotFound when no enrollment exists yet.
func (s *Store) ResolveEnrollment(ctx context.Context, ev *event.CanonicalEvent) (*Enrollment, error) {
	var e Enrollment
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.instance_id, e.contact_id, e.status, e.current_step, e.next_action_at
		FROM outreach_enrollments e
		JOIN outreach_contacts c ON c.id = e.contact_id
		WHERE e.instance_id = $1
		  AND (LOWER(c.email) = LOWER($2) OR c.profile_handle = $2)
	`, ev.InstanceID, ev.ContactRef).Scan(
		&e.ID, &e.InstanceID, &e.ContactID, &e.Status, &e.CurrentStep, &e.NextActionAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve enrollment: %w", err)
	}
	return &e, nil
}

// ApplyEvent applies a resolved event within a single transaction:
//
//  1. Insert the canonical event. For deduplicable events the insert runs
//     against the partial unique index on provider_event_id; a conflict means
//     the event was already applied and the whole transaction becomes a no-op
//     (success to the caller; providers must never see an error for replays).
//  2. Atomically increment the relevant campaign-instance counter.
//  3. Apply the enrollment transition implied by the event type.
//
// Running the dedup insert and the state change in one transaction closes
// the window where dedup succeeds but application fails silently.
func (s *Store) ApplyEvent(ctx context.Context, enr *Enrollment, ev *event.CanonicalEvent) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	eventID := uuid.New()
	providerEventID := sql.NullString{String: ev.ProviderEventID, Valid: ev.ProviderEventID != ""}

	var insertedID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO outreach_events
			(id, provider_event_id, channel, event_type, enrollment_id, instance_id, contact_ref, occurred_at, raw_payload, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING
		RETURNING id
	`, eventID, providerEventID, ev.Channel, ev.Type, enr.ID, enr.InstanceID,
		ev.ContactRef, ev.OccurredAt, ev.RawPayload).Scan(&insertedID)
	if err == sql.ErrNoRows {
		// First writer already recorded this provider event. Success-as-noop:
		// no counters touched, no transition applied.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit duplicate noop: %w", err)
		}
		return &ApplyResult{Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	col, ok := counterColumns[ev.Type]
	if !ok {
		return nil, fmt.Errorf("no counter mapping for event type %s", ev.Type)
	}
	// col comes from the closed counterColumns map, never from input.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE outreach_campaign_instances
		SET %s = %s + 1, updated_at = NOW()
		WHERE id = $1
	`, col, col), enr.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", col, err)
	}

	if err := applyTransition(ctx, tx, enr.ID, ev.Type); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply tx: %w", err)
	}
	return &ApplyResult{EventID: insertedID}, nil
}

// applyTransition advances enrollment state inside the applier transaction.
// Terminal statuses are never overwritten, which also makes re-application
// of terminal events (bounced on an already-bounced enrollment) a no-op
// rather than an error. Step advancement is an atomic SQL increment.
func applyTransition(ctx context.Context, tx *sql.Tx, enrollmentID uuid.UUID, t event.Type) error {
	const notTerminal = `AND status NOT IN ('completed', 'unsubscribed', 'bounced')`

	var err error
	switch t {
	case event.TypeBounced:
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_enrollments
			SET status = 'bounced', next_action_at = NULL, updated_at = NOW()
			WHERE id = $1 `+notTerminal, enrollmentID)
	case event.TypeUnsubscribed:
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_enrollments
			SET status = 'unsubscribed', next_action_at = NULL, updated_at = NOW()
			WHERE id = $1 `+notTerminal, enrollmentID)
	case event.TypeReplied:
		// A reply ends the sequence: the contact is engaged and further
		// automated steps would be counterproductive.
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_enrollments
			SET status = 'completed', next_action_at = NULL, updated_at = NOW()
			WHERE id = $1 `+notTerminal, enrollmentID)
	case event.TypeSent:
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_enrollments
			SET current_step = current_step + 1,
			    status = CASE WHEN status = 'enrolled' THEN 'active' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1 `+notTerminal, enrollmentID)
	default:
		// delivered/opened/clicked/connection-accepted only move counters.
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s transition: %w", t, err)
	}
	return nil
}

// EnsureContact inserts or updates a contact identity and returns its id.
// Matching is by lowercased email when present, otherwise by profile handle.
func (s *Store) EnsureContact(ctx context.Context, email, profileHandle string) (uuid.UUID, error) {
	var id uuid.UUID
	if email != "" {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO outreach_contacts (id, email, profile_handle, created_at, updated_at)
			VALUES ($1, LOWER($2), NULLIF($3, ''), NOW(), NOW())
			ON CONFLICT (email) DO UPDATE
			SET profile_handle = COALESCE(outreach_contacts.profile_handle, EXCLUDED.profile_handle),
			    updated_at = NOW()
			RETURNING id
		`, uuid.New(), email, profileHandle).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("ensure contact: %w", err)
		}
		return id, nil
	}
	if profileHandle == "" {
		return uuid.Nil, fmt.Errorf("ensure contact: email or profile_handle required")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO outreach_contacts (id, profile_handle, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (profile_handle) DO UPDATE SET updated_at = NOW()
		RETURNING id
	`, uuid.New(), profileHandle).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure contact: %w", err)
	}
	return id, nil
}

// CreateEnrollment enrolls a contact into a campaign instance. The
// (instance_id, contact_id) unique constraint makes concurrent duplicate
// enrollment requests converge on a single row: the losing insert reads the
// existing enrollment back and reports created=false.
func (s *Store) CreateEnrollment(ctx context.Context, instanceID, contactID uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO outreach_enrollments (id, instance_id, contact_id, status, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, 'enrolled', 0, NOW(), NOW())
		ON CONFLICT (instance_id, contact_id) DO NOTHING
		RETURNING id
	`, uuid.New(), instanceID, contactID).Scan(&id)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM outreach_enrollments WHERE instance_id = $1 AND contact_id = $2
		`, instanceID, contactID).Scan(&id)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("read existing enrollment: %w", err)
		}
		return id, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("create enrollment: %w", err)
	}
	return id, true, nil
}
