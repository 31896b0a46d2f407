package webhook

import "time"

// Event type constants
const (
	// EventTypeCloneSuspected is fired when clone detection trips for a card
	EventTypeCloneSuspected = "security.clone_suspected"

	// EventTypeReplaySuspected is fired when a replayed challenge response is seen
	EventTypeReplaySuspected = "security.replay_suspected"

	// EventTypeCardSuspended is fired when policy automatically suspends a card
	EventTypeCardSuspended = "security.card_suspended"

	// EventTypeWildcard is a special filter that matches all event types
	EventTypeWildcard = "*"
)

// WebhookEvent represents a webhook event to be delivered to clients
type WebhookEvent struct {
	// EventID is a unique identifier for this event (ULID for time-sortable uniqueness)
	EventID string `json:"event_id"`
	// EventType is the type of event (e.g., "security.clone_suspected")
	EventType string `json:"event_type"`
	// Timestamp is when the event was generated
	Timestamp time.Time `json:"timestamp"`
	// Data contains the event-specific payload
	Data EventData `json:"data"`
}

// EventData contains the webhook event payload
type EventData struct {
	// ChipUID is the chip UID of the affected card
	ChipUID string `json:"chip_uid"`
	// SKU identifies the card design
	SKU string `json:"sku,omitempty"`
	// Device is the device that triggered the event
	Device string `json:"device,omitempty"`
	// Severity is the event severity (info, elevated, high)
	Severity string `json:"severity"`
	// Reason is a short human-readable explanation
	Reason string `json:"reason,omitempty"`
}

// DeliveryResult represents the result of a webhook delivery attempt
type DeliveryResult struct {
	// Success indicates whether the delivery was successful
	Success bool
	// StatusCode is the HTTP status code returned by the webhook endpoint
	StatusCode int
	// Body is the response body (limited to 4KB)
	Body string
	// Error contains error details if delivery failed
	Error string
}
