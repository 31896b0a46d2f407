// Package registry is the card identity registry: registration with
// duplicate-UID rejection, lookup, and lifecycle transitions.
package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

// CatalogLookup validates SKUs against the external product catalog.
// The registry never needs category or rarity semantics, only existence.
type CatalogLookup interface {
	ValidateSKU(ctx context.Context, sku domain.SKU) error
}

// StaticCatalog is a CatalogLookup over a fixed SKU set, for deployments
// without a live catalog service and for tests
type StaticCatalog map[domain.SKU]bool

func (c StaticCatalog) ValidateSKU(_ context.Context, sku domain.SKU) error {
	if len(c) == 0 || c[sku] {
		return nil
	}
	return fmt.Errorf("unknown SKU %q: %w", sku, domain.ErrCardInvalid)
}

// RegisterInput carries everything needed to register one provisioned card
type RegisterInput struct {
	UID domain.ChipUID
	SKU domain.SKU
	// BatchID is the manufacturing run; zero registers the card without one
	BatchID      uint64
	SerialNumber string
	KeyRef       string
	Tier         domain.SecurityTier
}

// Service implements the card registry
type Service struct {
	store    store.Store
	recorder *telemetry.Recorder
}

// NewService creates a registry service. recorder may be nil, which disables
// transition audit events.
func NewService(s store.Store, recorder *telemetry.Recorder) *Service {
	return &Service{store: s, recorder: recorder}
}

// Register inserts a freshly provisioned card in status Provisioned.
// Returns domain.ErrDuplicateUID when the chip UID is already registered,
// regardless of differing SKU or batch — the first line of clone defense.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*schema.PhysicalCard, error) {
	if !input.UID.Valid() {
		return nil, fmt.Errorf("chip UID %q: %w", input.UID, domain.ErrCardInvalid)
	}
	if !input.SKU.Valid() {
		return nil, fmt.Errorf("SKU %q: %w", input.SKU, domain.ErrCardInvalid)
	}

	card := &schema.PhysicalCard{
		ChipUID:      input.UID.String(),
		SKU:          input.SKU,
		SerialNumber: input.SerialNumber,
		KeyRef:       input.KeyRef,
		SecurityTier: input.Tier,
		Status:       domain.StatusProvisioned,
	}
	if input.BatchID != 0 {
		batchID := input.BatchID
		card.BatchID = &batchID
	}
	if card.SecurityTier == "" {
		card.SecurityTier = domain.TierChallengeResponse
	}

	if err := s.store.RegisterCard(ctx, card); err != nil {
		return nil, err
	}

	return card, nil
}

// Lookup retrieves a card by chip UID.
// Returns domain.ErrCardNotFound when the UID is unknown.
func (s *Service) Lookup(ctx context.Context, uid domain.ChipUID) (*schema.PhysicalCard, error) {
	card, err := s.store.GetCardByUID(ctx, domain.NormalizeChipUID(uid.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to look up card: %w", err)
	}
	if card == nil {
		return nil, domain.ErrCardNotFound
	}
	return card, nil
}

// Transition performs an atomic compare-and-swap on card status. The
// transition table is checked before the store is touched; the store CAS
// then guarantees exactly one winner under concurrency.
func (s *Service) Transition(ctx context.Context, uid domain.ChipUID, from, to domain.CardStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	uid = domain.NormalizeChipUID(uid.String())
	if err := s.store.TransitionStatus(ctx, uid, from, to); err != nil {
		return err
	}

	s.audit(ctx, uid, from, to, "")
	return nil
}

// AdminSetStatus forces a card into the given status on behalf of an
// administrator. The current status is read first, so a concurrent transition
// loses the CAS and surfaces as domain.ErrInvalidTransition.
func (s *Service) AdminSetStatus(ctx context.Context, uid domain.ChipUID, to domain.CardStatus, actor string) error {
	card, err := s.Lookup(ctx, uid)
	if err != nil {
		return err
	}

	from := card.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}

	uid = domain.NormalizeChipUID(uid.String())
	if err := s.store.TransitionStatus(ctx, uid, from, to); err != nil {
		return err
	}

	s.audit(ctx, uid, from, to, actor)
	return nil
}

func (s *Service) audit(ctx context.Context, uid domain.ChipUID, from, to domain.CardStatus, actor string) {
	if s.recorder == nil {
		return
	}

	eventCtx := map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	if actor != "" {
		eventCtx["actor"] = actor
	}

	severity := domain.SeverityInfo
	if to == domain.StatusSuspended || to == domain.StatusRevoked {
		severity = domain.SeverityElevated
	}

	if _, err := s.recorder.Record(ctx, telemetry.Event{
		ChipUID:  uid.String(),
		Kind:     domain.EventStatusChanged,
		Severity: severity,
		Context:  eventCtx,
	}); err != nil {
		logger.Error(err, zap.String("chip_uid", uid.String()))
	}
}
