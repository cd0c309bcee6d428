package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
)

// Enrollment statuses. Terminal statuses are never overwritten by the
// state applier.
const (
	StatusEnrolled     = "enrolled"
	StatusActive       = "active"
	StatusPaused       = "paused"
	StatusCompleted    = "completed"
	StatusUnsubscribed = "unsubscribed"
	StatusBounced      = "bounced"
)

// ErrEnrollmentNotFound is returned when an event cannot be matched to an
// enrollment. Expected and non-fatal: webhooks routinely arrive before the
// enrollment write has committed. Callers queue the event for retry.
var ErrEnrollmentNotFound = errors.New("enrollment not found")

// Enrollment is one contact's progress through one campaign instance.
type Enrollment struct {
	ID           uuid.UUID
	InstanceID   uuid.UUID
	ContactID    uuid.UUID
	Status       string
	CurrentStep  int
	NextActionAt sql.NullTime
}

// Terminal reports whether the enrollment has reached a terminal status.
func (e *Enrollment) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusUnsubscribed, StatusBounced:
		return true
	}
	return false
}

// ApplyResult reports the outcome of a state-applier transaction.
type ApplyResult struct {
	EventID   uuid.UUID
	Duplicate bool // provider event id already applied; nothing was changed
}

// DeadLetter is the terminal record of a permanently unresolved or invalid
// event. The full raw payload and failure history are retained for manual
// inspection and replay.
type DeadLetter struct {
	ID              uuid.UUID
	ProviderEventID string
	Channel         event.Channel
	EventType       event.Type
	InstanceID      uuid.UUID
	ContactRef      string
	OccurredAt      time.Time
	RawPayload      []byte
	Attempts        int
	FirstSeenAt     time.Time
	LastError       string
	Reason          string
	CreatedAt       time.Time
	ReplayedAt      sql.NullTime
	ReplayCount     int
}

// ToCanonicalEvent reconstructs the canonical event for operator replay.
func (d *DeadLetter) ToCanonicalEvent() *event.CanonicalEvent {
	return &event.CanonicalEvent{
		ProviderEventID: d.ProviderEventID,
		Channel:         d.Channel,
		Type:            d.EventType,
		InstanceID:      d.InstanceID,
		ContactRef:      d.ContactRef,
		OccurredAt:      d.OccurredAt,
		RawPayload:      d.RawPayload,
	}
}

// counterColumns maps canonical event types to campaign-instance counter
// columns. Counters are only ever advanced with atomic SQL increments.
var counterColumns = map[event.Type]string{
	event.TypeSent:               "total_sent",
	event.TypeDelivered:          "total_delivered",
	event.TypeOpened:             "total_opened",
	event.TypeClicked:            "total_clicked",
	event.TypeReplied:            "total_replied",
	event.TypeBounced:            "total_bounced",
	event.TypeUnsubscribed:       "total_unsubscribed",
	event.TypeConnectionAccepted: "total_connections",
}
