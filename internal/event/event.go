package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies the outreach channel an event arrived on.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelNetwork Channel = "network"
	ChannelVideo   Channel = "video"
)

// Type is the canonical engagement event type. Provider vocabularies are
// mapped onto this closed set at the normalization boundary; everything past
// that boundary only ever sees these values.
type Type string

const (
	TypeSent               Type = "sent"
	TypeDelivered          Type = "delivered"
	TypeOpened             Type = "opened"
	TypeClicked            Type = "clicked"
	TypeReplied            Type = "replied"
	TypeBounced            Type = "bounced"
	TypeUnsubscribed       Type = "unsubscribed"
	TypeConnectionAccepted Type = "connection-accepted"
)

// channelTypes is the per-channel event vocabulary. Not every type makes
// sense on every channel: only the professional network produces connection
// acceptances, and only email produces bounces and unsubscribes.
var channelTypes = map[Channel]map[Type]bool{
	ChannelEmail: {
		TypeSent: true, TypeDelivered: true, TypeOpened: true, TypeClicked: true,
		TypeReplied: true, TypeBounced: true, TypeUnsubscribed: true,
	},
	ChannelNetwork: {
		TypeSent: true, TypeReplied: true, TypeConnectionAccepted: true,
	},
	ChannelVideo: {
		TypeSent: true, TypeOpened: true, TypeClicked: true, TypeReplied: true,
	},
}

// Supports reports whether the channel produces the given event type.
func (c Channel) Supports(t Type) bool {
	return channelTypes[c][t]
}

// Valid reports whether the channel is a known channel.
func (c Channel) Valid() bool {
	_, ok := channelTypes[c]
	return ok
}

// UnsupportedTypeError marks a payload whose event type is outside the
// channel's vocabulary. Fatal for the event: retrying cannot fix it.
type UnsupportedTypeError struct {
	Channel  Channel
	Provider string
	Raw      string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported %s event type %q", e.Provider, e.Raw)
}

// MalformedPayloadError marks a payload that failed structural validation.
// Fatal for the event: retrying cannot fix it.
type MalformedPayloadError struct {
	Provider string
	Reason   string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %s", e.Provider, e.Reason)
}

// CanonicalEvent is the provider-independent form of an engagement
// notification. JSON tags matter: orphaned events round-trip through the
// retry queue as JSON.
type CanonicalEvent struct {
	// ProviderEventID is the provider's unique id for this notification,
	// used for deduplication. Empty for providers that do not send one.
	ProviderEventID string `json:"provider_event_id,omitempty"`

	Channel    Channel   `json:"channel"`
	Type       Type      `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`

	// ContactRef is the provider's contact identity: a lowercased email
	// address or a normalized profile handle.
	ContactRef string `json:"contact_ref"`

	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is the original wire payload, retained verbatim for the
	// dead-letter store and operator replay.
	RawPayload []byte `json:"raw_payload,omitempty"`
}

// Deduplicable reports whether the event carries a provider id that the
// uniqueness constraint can deduplicate on. Events without one are applied
// at-least-once.
func (e *CanonicalEvent) Deduplicable() bool {
	return e.ProviderEventID != ""
}
