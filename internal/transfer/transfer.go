// Package transfer implements escrow-based ownership transfer: a seller opens
// a pending offer gated by a short-lived trade code, a buyer completes it, and
// ownership moves atomically while the card's usage history stays intact.
package transfer

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/metrics"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

const defaultOfferTTL = 24 * time.Hour

// Service implements the trading operations
type Service struct {
	store    store.Store
	registry *registry.Service
	recorder *telemetry.Recorder
	clock    adapter.Clock
	offerTTL time.Duration
}

// NewService creates a transfer service. offerTTL <= 0 selects the default.
func NewService(s store.Store, reg *registry.Service, recorder *telemetry.Recorder, clock adapter.Clock, offerTTL time.Duration) *Service {
	if offerTTL <= 0 {
		offerTTL = defaultOfferTTL
	}
	return &Service{
		store:    s,
		registry: reg,
		recorder: recorder,
		clock:    clock,
		offerTTL: offerTTL,
	}
}

// Initiate opens a pending escrow offer for the card. Only the current owner
// of an Activated card may sell; at most one pending offer exists per card.
// The returned offer carries the trade code the seller hands to the buyer.
func (s *Service) Initiate(ctx context.Context, uid domain.ChipUID, seller string, askingPrice *int64) (*schema.TradeOffer, error) {
	card, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return nil, err
	}
	if card.Status != domain.StatusActivated {
		return nil, fmt.Errorf("card status %s: %w", card.Status, domain.ErrInvalidTransition)
	}
	if card.Owner == nil || *card.Owner != seller {
		return nil, domain.ErrNotOwner
	}

	offer := &schema.TradeOffer{
		CardID:      card.ID,
		Seller:      seller,
		TradeCode:   uuid.NewString(),
		AskingPrice: askingPrice,
		Status:      domain.TradePending,
		ExpiresAt:   s.clock.Now().Add(s.offerTTL),
	}
	if err := s.store.CreateTradeOffer(ctx, offer); err != nil {
		return nil, err
	}

	return offer, nil
}

// Complete accepts the card's pending offer on behalf of the buyer.
//
// The trade code comparison is constant-time and expiry is checked at use
// time. On success the offer flips pending -> accepted and ownership moves to
// the buyer in one atomic store operation; exactly one concurrent caller wins.
// The usage counter and everything keyed by the chip UID survive the transfer.
func (s *Service) Complete(ctx context.Context, uid domain.ChipUID, tradeCode, buyer string) (*schema.PhysicalCard, error) {
	card, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return nil, err
	}

	offer, err := s.store.GetPendingOfferForCard(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending offer: %w", err)
	}
	if offer == nil {
		return nil, domain.ErrTradeExpired
	}

	if subtle.ConstantTimeCompare([]byte(offer.TradeCode), []byte(tradeCode)) != 1 {
		return nil, domain.ErrInvalidCode
	}
	if buyer == offer.Seller {
		return nil, domain.ErrSelfTrade
	}

	if err := s.store.CompleteTrade(ctx, store.CompleteTradeInput{
		OfferID: offer.ID,
		CardID:  card.ID,
		Buyer:   buyer,
		Now:     s.clock.Now(),
	}); err != nil {
		return nil, err
	}

	metrics.TradesCompleted.Inc()
	s.audit(ctx, card, uid, map[string]interface{}{
		"offer_id": offer.ID,
		"seller":   offer.Seller,
		"buyer":    buyer,
	})

	return s.registry.Lookup(ctx, uid)
}

// Cancel withdraws the card's pending offer. Only the seller who opened the
// offer may cancel it.
func (s *Service) Cancel(ctx context.Context, uid domain.ChipUID, seller string) error {
	card, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return err
	}

	offer, err := s.store.GetPendingOfferForCard(ctx, card.ID)
	if err != nil {
		return fmt.Errorf("failed to look up pending offer: %w", err)
	}
	if offer == nil {
		return domain.ErrTradeExpired
	}
	if offer.Seller != seller {
		return domain.ErrNotOwner
	}

	return s.store.CancelTradeOffer(ctx, offer.ID)
}

func (s *Service) audit(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID, eventCtx map[string]interface{}) {
	if s.recorder == nil {
		return
	}

	cardID := card.ID
	if _, err := s.recorder.Record(ctx, telemetry.Event{
		CardID:   &cardID,
		ChipUID:  uid.String(),
		Kind:     domain.EventTradeCompleted,
		Severity: domain.SeverityInfo,
		Context:  eventCtx,
	}); err != nil {
		logger.Error(err, zap.String("chip_uid", uid.String()))
	}
}
