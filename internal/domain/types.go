package domain

import (
	"regexp"
	"strings"
	"time"
)

// ChipUID is the factory-assigned identifier burned into an NFC chip.
// It is globally unique, immutable, and never reused. Stored uppercase hex,
// 7-10 bytes depending on tag generation (14-20 hex characters).
type ChipUID string

var chipUIDPattern = regexp.MustCompile(`^[0-9A-F]{14,20}$`)

// NormalizeChipUID converts a raw UID read from a reader into canonical form
func NormalizeChipUID(raw string) ChipUID {
	return ChipUID(strings.ToUpper(strings.TrimSpace(raw)))
}

// Valid checks if the chip UID has the canonical uppercase-hex form
func (u ChipUID) Valid() bool {
	return chipUIDPattern.MatchString(string(u))
}

// String returns the string representation of the ChipUID
func (u ChipUID) String() string {
	return string(u)
}

// SKU identifies a product in the external card catalog.
// The core treats it as opaque; only the catalog collaborator can interpret it.
type SKU string

var skuPattern = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)*$`)

// Valid checks the SKU shape only. Whether the SKU exists is the catalog's call.
func (s SKU) Valid() bool {
	return skuPattern.MatchString(string(s))
}

// String returns the string representation of the SKU
func (s SKU) String() string {
	return string(s)
}

// PlayerRef identifies a player account held by the external identity collaborator
type PlayerRef string

// DeviceRef identifies the device/console presenting a card, supplied by the
// device identity collaborator
type DeviceRef string

// SecurityTier represents the tag technology/capability level of a chip
type SecurityTier string

const (
	// TierUIDOnly is a bare tag with nothing but a readable UID
	TierUIDOnly SecurityTier = "uid_only"
	// TierOriginality supports a static originality signature
	TierOriginality SecurityTier = "originality"
	// TierChallengeResponse supports on-chip keyed challenge-response (e.g. NTAG 424 DNA)
	TierChallengeResponse SecurityTier = "challenge_response"
)

// CardStatus represents a card's lifecycle state
type CardStatus string

const (
	// StatusProvisioned means the chip is programmed but not yet sold
	StatusProvisioned CardStatus = "provisioned"
	// StatusSold means the card is reserved for a buyer, awaiting activation
	StatusSold CardStatus = "sold"
	// StatusActivated means the card is player-owned and usable
	StatusActivated CardStatus = "activated"
	// StatusSuspended means the card is disabled pending a clone-suspicion review
	StatusSuspended CardStatus = "suspended"
	// StatusRevoked means the card is administratively disabled. Terminal.
	StatusRevoked CardStatus = "revoked"
)

// validTransitions is the single-step lifecycle state machine.
// Every status change in the system must be one of these edges; the store
// additionally enforces each edge with a compare-and-swap.
var validTransitions = map[CardStatus][]CardStatus{
	StatusProvisioned: {StatusSold},
	StatusSold:        {StatusActivated},
	StatusActivated:   {StatusSuspended, StatusRevoked},
	StatusSuspended:   {StatusActivated, StatusRevoked},
	StatusRevoked:     {},
}

// ParseCardStatus parses a wire status string; ok is false for unknown values
func ParseCardStatus(s string) (CardStatus, bool) {
	status := CardStatus(s)
	switch status {
	case StatusProvisioned, StatusSold, StatusActivated, StatusSuspended, StatusRevoked:
		return status, true
	}
	return "", false
}

// ParseSecurityTier parses a wire tier string; ok is false for unknown values
func ParseSecurityTier(s string) (SecurityTier, bool) {
	tier := SecurityTier(s)
	switch tier {
	case TierUIDOnly, TierOriginality, TierChallengeResponse:
		return tier, true
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal single-step lifecycle edge
func CanTransition(from, to CardStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Usable reports whether a card in this status may pass authentication
func (s CardStatus) Usable() bool {
	return s == StatusProvisioned || s == StatusSold || s == StatusActivated
}

// Terminal reports whether the status admits no further transitions
func (s CardStatus) Terminal() bool {
	return s == StatusRevoked
}

// EventKind represents the type of a security event
type EventKind string

const (
	EventAuthSuccess    EventKind = "auth_success"
	EventAuthFailure    EventKind = "auth_failure"
	EventReplaySuspect  EventKind = "replay_suspected"
	EventCloneSuspected EventKind = "clone_suspected"
	EventCardActivated  EventKind = "card_activated"
	EventTradeCompleted EventKind = "trade_completed"
	EventStatusChanged  EventKind = "status_changed"
)

// Severity levels for security events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityElevated Severity = "elevated"
	SeverityHigh     Severity = "high"
)

// TradeStatus represents the state of a trade offer
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeCancelled TradeStatus = "cancelled"
	TradeExpired   TradeStatus = "expired"
)

// ChallengeTTL is how long an issued authentication challenge stays valid.
// Challenges are single-use regardless of age.
const ChallengeTTL = 60 * time.Second

// ChallengeSize is the challenge length in bytes (128 bits of CSPRNG entropy)
const ChallengeSize = 16

// SecurityAlert is the wire form of a security event published to the
// message broker for downstream consumers
type SecurityAlert struct {
	// ID is the ULID of the persisted security event
	ID string `json:"id"`
	// ChipUID is the UID as presented, empty when unknown
	ChipUID string `json:"chip_uid,omitempty"`
	// Kind is the event kind
	Kind EventKind `json:"kind"`
	// Device is the originating device reference
	Device string `json:"device,omitempty"`
	// Severity is info/elevated/high
	Severity Severity `json:"severity"`
	// Context carries arbitrary structured context
	Context map[string]interface{} `json:"context,omitempty"`
	// OccurredAt is the event timestamp
	OccurredAt time.Time `json:"occurred_at"`
}
