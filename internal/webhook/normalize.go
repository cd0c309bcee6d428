package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/event"
)

// Provider identifiers. Each maps 1:1 onto a channel; the payload shape,
// timestamp format, and event-type vocabulary differ per provider.
const (
	ProviderEmail   = "email"
	ProviderNetwork = "network"
	ProviderVideo   = "video"
)

// Normalize projects a provider-specific raw payload onto a CanonicalEvent.
// Pure function: no I/O, no clock reads beyond parsing provider timestamps.
// Unknown event types return *event.UnsupportedTypeError; structurally bad
// payloads return *event.MalformedPayloadError.
func Normalize(provider string, body []byte) (*event.CanonicalEvent, error) {
	switch provider {
	case ProviderEmail:
		return normalizeEmail(body)
	case ProviderNetwork:
		return normalizeNetwork(body)
	case ProviderVideo:
		return normalizeVideo(body)
	default:
		return nil, &event.MalformedPayloadError{Provider: provider, Reason: "unknown provider"}
	}
}

// emailEventTypes maps the email provider's vocabulary onto the canonical
// enum. The provider reports both current and legacy names for some types.
var emailEventTypes = map[string]event.Type{
	"injection":    event.TypeSent,
	"accepted":     event.TypeSent,
	"sent":         event.TypeSent,
	"delivered":    event.TypeDelivered,
	"delivery":     event.TypeDelivered,
	"open":         event.TypeOpened,
	"opened":       event.TypeOpened,
	"click":        event.TypeClicked,
	"clicked":      event.TypeClicked,
	"reply":        event.TypeReplied,
	"replied":      event.TypeReplied,
	"bounce":       event.TypeBounced,
	"bounced":      event.TypeBounced,
	"failed":       event.TypeBounced,
	"unsubscribe":  event.TypeUnsubscribed,
	"unsubscribed": event.TypeUnsubscribed,
}

func normalizeEmail(body []byte) (*event.CanonicalEvent, error) {
	var payload struct {
		ID          string  `json:"id"`
		Event       string  `json:"event"`
		Recipient   string  `json:"recipient"`
		CampaignRef string  `json:"campaign_ref"`
		Timestamp   float64 `json:"timestamp"` // unix seconds, fractional
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderEmail, Reason: "invalid JSON"}
	}

	evType, ok := emailEventTypes[strings.ToLower(payload.Event)]
	if !ok {
		return nil, &event.UnsupportedTypeError{Channel: event.ChannelEmail, Provider: ProviderEmail, Raw: payload.Event}
	}

	instanceID, err := uuid.Parse(payload.CampaignRef)
	if err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderEmail, Reason: "missing or invalid campaign_ref"}
	}
	if payload.Recipient == "" {
		return nil, &event.MalformedPayloadError{Provider: ProviderEmail, Reason: "missing recipient"}
	}

	occurredAt := time.Now().UTC()
	if payload.Timestamp > 0 {
		sec := int64(payload.Timestamp)
		nsec := int64((payload.Timestamp - float64(sec)) * 1e9)
		occurredAt = time.Unix(sec, nsec).UTC()
	}

	return &event.CanonicalEvent{
		ProviderEventID: payload.ID,
		Channel:         event.ChannelEmail,
		Type:            evType,
		InstanceID:      instanceID,
		ContactRef:      strings.ToLower(strings.TrimSpace(payload.Recipient)),
		OccurredAt:      occurredAt,
		RawPayload:      body,
	}, nil
}

// networkEventTypes maps the professional-network provider's vocabulary.
var networkEventTypes = map[string]event.Type{
	"message_sent":        event.TypeSent,
	"invite_sent":         event.TypeSent,
	"connection_accepted": event.TypeConnectionAccepted,
	"message_replied":     event.TypeReplied,
}

func normalizeNetwork(body []byte) (*event.CanonicalEvent, error) {
	var payload struct {
		EventID    string `json:"event_id"`
		Type       string `json:"type"`
		ProfileURL string `json:"profile_url"`
		CampaignID string `json:"campaign_id"`
		OccurredAt string `json:"occurred_at"` // RFC3339
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderNetwork, Reason: "invalid JSON"}
	}

	evType, ok := networkEventTypes[strings.ToLower(payload.Type)]
	if !ok {
		return nil, &event.UnsupportedTypeError{Channel: event.ChannelNetwork, Provider: ProviderNetwork, Raw: payload.Type}
	}

	instanceID, err := uuid.Parse(payload.CampaignID)
	if err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderNetwork, Reason: "missing or invalid campaign_id"}
	}
	if payload.ProfileURL == "" {
		return nil, &event.MalformedPayloadError{Provider: ProviderNetwork, Reason: "missing profile_url"}
	}

	occurredAt := time.Now().UTC()
	if payload.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, payload.OccurredAt)
		if err != nil {
			return nil, &event.MalformedPayloadError{Provider: ProviderNetwork, Reason: "invalid occurred_at timestamp"}
		}
		occurredAt = t.UTC()
	}

	return &event.CanonicalEvent{
		ProviderEventID: payload.EventID,
		Channel:         event.ChannelNetwork,
		Type:            evType,
		InstanceID:      instanceID,
		ContactRef:      normalizeProfileRef(payload.ProfileURL),
		OccurredAt:      occurredAt,
		RawPayload:      body,
	}, nil
}

// videoEventTypes maps the video provider's vocabulary. This provider never
// supplies an event id, so its events are non-deduplicable.
var videoEventTypes = map[string]event.Type{
	"sent":      event.TypeSent,
	"played":    event.TypeOpened,
	"cta_click": event.TypeClicked,
	"replied":   event.TypeReplied,
}

func normalizeVideo(body []byte) (*event.CanonicalEvent, error) {
	var payload struct {
		Action      string `json:"action"`
		Viewer      string `json:"viewer"`
		CampaignRef string `json:"campaign_ref"`
		TimestampMS int64  `json:"timestamp_ms"` // unix milliseconds
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderVideo, Reason: "invalid JSON"}
	}

	evType, ok := videoEventTypes[strings.ToLower(payload.Action)]
	if !ok {
		return nil, &event.UnsupportedTypeError{Channel: event.ChannelVideo, Provider: ProviderVideo, Raw: payload.Action}
	}

	instanceID, err := uuid.Parse(payload.CampaignRef)
	if err != nil {
		return nil, &event.MalformedPayloadError{Provider: ProviderVideo, Reason: "missing or invalid campaign_ref"}
	}
	if payload.Viewer == "" {
		return nil, &event.MalformedPayloadError{Provider: ProviderVideo, Reason: "missing viewer"}
	}

	occurredAt := time.Now().UTC()
	if payload.TimestampMS > 0 {
		occurredAt = time.UnixMilli(payload.TimestampMS).UTC()
	}

	return &event.CanonicalEvent{
		Channel:    event.ChannelVideo,
		Type:       evType,
		InstanceID: instanceID,
		ContactRef: normalizeProfileRef(payload.Viewer),
		OccurredAt: occurredAt,
		RawPayload: body,
	}, nil
}

// normalizeProfileRef strips scheme/host noise and trailing slashes so the
// same profile always resolves to the same contact. Email-shaped viewer
// references are lowercased like email-channel recipients.
func normalizeProfileRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return strings.ToLower(ref)
	}
	for _, prefix := range []string{"https://", "http://", "www."} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	return strings.TrimSuffix(ref, "/")
}
