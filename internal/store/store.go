package store

import (
	"context"
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

// ActivateCardInput carries everything needed to atomically consume an
// activation code and flip the card to player ownership
type ActivateCardInput struct {
	CardID     uint64
	CodeID     uint64
	Claimant   string
	ConsumedAt time.Time
}

// CompleteTradeInput carries everything needed to atomically accept a trade
// offer and reassign ownership
type CompleteTradeInput struct {
	OfferID uint64
	CardID  uint64
	Buyer   string
	Now     time.Time
}

// EventFilter narrows security event queries
type EventFilter struct {
	ChipUID *string
	Device  *string
	Kind    *domain.EventKind
	Limit   int
	Offset  int
	// Order is "asc" or "desc" by creation time; defaults to desc
	Order string
}

// Store defines the interface for durable card state.
//
// All lifecycle mutations are compare-and-swap operations: concurrent
// activation or transfer attempts on the same card result in exactly one
// success and deterministic failures for the rest.
type Store interface {
	// CreateBatch records a new manufacturing run
	CreateBatch(ctx context.Context, batch *schema.CardBatch) error
	// GetBatchByCode retrieves a batch by its human-assigned code
	GetBatchByCode(ctx context.Context, code string) (*schema.CardBatch, error)
	// CloseBatch closes a run; a closed batch only accepts programmed-count bumps
	CloseBatch(ctx context.Context, batchID uint64, closedAt time.Time) error
	// IncrementProgrammedCount bumps the programmed-chip counter for a batch
	IncrementProgrammedCount(ctx context.Context, batchID uint64) error

	// RegisterCard inserts a freshly provisioned card.
	// Returns domain.ErrDuplicateUID if the chip UID already exists.
	RegisterCard(ctx context.Context, card *schema.PhysicalCard) error
	// GetCardByUID retrieves a card by chip UID; returns (nil, nil) when absent
	GetCardByUID(ctx context.Context, uid domain.ChipUID) (*schema.PhysicalCard, error)
	// TransitionStatus performs an atomic compare-and-swap on card status.
	// Returns domain.ErrInvalidTransition when the current status is not `from`.
	TransitionStatus(ctx context.Context, uid domain.ChipUID, from, to domain.CardStatus) error
	// IncrementUsageCount atomically bumps the usage counter and returns the new value
	IncrementUsageCount(ctx context.Context, uid domain.ChipUID) (uint64, error)

	// CreateActivationCode stores a new one-time code (hash only)
	CreateActivationCode(ctx context.Context, code *schema.ActivationCode) error
	// GetLatestCodeForCard returns the most recently issued code for a card,
	// consumed or not; (nil, nil) when none exists
	GetLatestCodeForCard(ctx context.Context, cardID uint64) (*schema.ActivationCode, error)
	// ActivateCard atomically consumes a code and transitions Sold -> Activated.
	// Returns domain.ErrAlreadyActivated if the code was consumed, or
	// domain.ErrInvalidTransition if the card is not Sold. Nothing changes on failure.
	ActivateCard(ctx context.Context, input ActivateCardInput) error
	// PurgeExpiredCodes deletes expired, unconsumed activation codes, for
	// housekeeping only; expiry is always checked at use time
	PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error)

	// CreateTradeOffer inserts a pending offer.
	// Returns domain.ErrTradeAlreadyActive when a pending offer exists for the card.
	CreateTradeOffer(ctx context.Context, offer *schema.TradeOffer) error
	// GetPendingOfferForCard returns the card's pending offer; (nil, nil) when none
	GetPendingOfferForCard(ctx context.Context, cardID uint64) (*schema.TradeOffer, error)
	// CompleteTrade atomically accepts a pending, unexpired offer and reassigns
	// the card owner. Returns domain.ErrTradeExpired when the offer is no longer
	// pending or past expiry. Exactly one concurrent caller can win.
	CompleteTrade(ctx context.Context, input CompleteTradeInput) error
	// CancelTradeOffer moves a pending offer to cancelled
	CancelTradeOffer(ctx context.Context, offerID uint64) error
	// MarkExpiredOffers flips pending offers past expiry to expired, for
	// reporting only; correctness never depends on this sweep
	MarkExpiredOffers(ctx context.Context, now time.Time) (int64, error)

	// AppendSecurityEvent appends to the immutable event log
	AppendSecurityEvent(ctx context.Context, event *schema.SecurityEvent) error
	// ListSecurityEvents queries the event log with filters and pagination
	ListSecurityEvents(ctx context.Context, filter EventFilter) ([]*schema.SecurityEvent, error)
	// RecentEventsForUID returns events of the given kinds for a UID since a
	// cutoff, oldest first
	RecentEventsForUID(ctx context.Context, uid domain.ChipUID, kinds []domain.EventKind, since time.Time) ([]*schema.SecurityEvent, error)
	// DevicesSeenForUID returns the distinct devices that ever produced a
	// successful authentication for a UID
	DevicesSeenForUID(ctx context.Context, uid domain.ChipUID) ([]string, error)
}
