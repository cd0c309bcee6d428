package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
)

// ErrDeadLetterNotFound is returned when a replay targets an unknown id.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// InsertDeadLetter records a permanently failed event. Append-only: dead
// letters are never updated except for replay bookkeeping.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outreach_dead_letters
			(id, provider_event_id, channel, event_type, instance_id, contact_ref,
			 occurred_at, raw_payload, attempts, first_seen_at, last_error, reason, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, dl.ID, dl.ProviderEventID, dl.Channel, dl.EventType, dl.InstanceID, dl.ContactRef,
		dl.OccurredAt, dl.RawPayload, dl.Attempts, dl.FirstSeenAt, dl.LastError, dl.Reason)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetterFilter narrows ListDeadLetters results.
type DeadLetterFilter struct {
	Channel   event.Channel
	EventType event.Type
	Limit     int
}

// ListDeadLetters returns dead letters newest-first, optionally filtered by
// channel and event type.
func (s *Store) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(provider_event_id, ''), channel, event_type, instance_id, contact_ref,
		       occurred_at, raw_payload, attempts, first_seen_at, last_error, reason,
		       created_at, replayed_at, replay_count
		FROM outreach_dead_letters
		WHERE ($1 = '' OR channel = $1)
		  AND ($2 = '' OR event_type = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, string(f.Channel), string(f.EventType), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetDeadLetter fetches a single dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(provider_event_id, ''), channel, event_type, instance_id, contact_ref,
		       occurred_at, raw_payload, attempts, first_seen_at, last_error, reason,
		       created_at, replayed_at, replay_count
		FROM outreach_dead_letters
		WHERE id = $1
	`, id)
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// MarkReplayed records an operator-initiated replay of a dead letter.
func (s *Store) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outreach_dead_letters
		SET replayed_at = NOW(), replay_count = replay_count + 1
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	err := row.Scan(
		&dl.ID, &dl.ProviderEventID, &dl.Channel, &dl.EventType, &dl.InstanceID, &dl.ContactRef,
		&dl.OccurredAt, &dl.RawPayload, &dl.Attempts, &dl.FirstSeenAt, &dl.LastError, &dl.Reason,
		&dl.CreatedAt, &dl.ReplayedAt, &dl.ReplayCount,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}
