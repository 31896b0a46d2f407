// Package activation issues one-time activation codes for sold cards and
// performs the Sold -> Activated handoff to the first owner.
package activation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

const (
	// codeDigits is the activation code length. Codes are numeric so that a
	// buyer can type them from a card sleeve or an email.
	codeDigits = 8

	defaultCodeTTL = 72 * time.Hour
)

// Service implements activation code issuance and card activation
type Service struct {
	store    store.Store
	registry *registry.Service
	recorder *telemetry.Recorder
	clock    adapter.Clock
	codeTTL  time.Duration
}

// NewService creates an activation service. codeTTL <= 0 selects the default.
func NewService(s store.Store, reg *registry.Service, recorder *telemetry.Recorder, clock adapter.Clock, codeTTL time.Duration) *Service {
	if codeTTL <= 0 {
		codeTTL = defaultCodeTTL
	}
	return &Service{
		store:    s,
		registry: reg,
		recorder: recorder,
		clock:    clock,
		codeTTL:  codeTTL,
	}
}

// MarkSold reserves a provisioned card for a buyer, driven by the
// order/payment collaborator
func (s *Service) MarkSold(ctx context.Context, uid domain.ChipUID) error {
	return s.registry.Transition(ctx, uid, domain.StatusProvisioned, domain.StatusSold)
}

// IssuedCode is the plaintext activation code and its expiry, returned to the
// caller exactly once. Only the SHA-256 hash is persisted.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}

// IssueCode generates a one-time activation code for a sold card
func (s *Service) IssueCode(ctx context.Context, uid domain.ChipUID, channel string) (*IssuedCode, error) {
	card, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return nil, err
	}
	if card.Status != domain.StatusSold {
		return nil, fmt.Errorf("card is %s, not sold: %w", card.Status, domain.ErrInvalidTransition)
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate activation code: %w", err)
	}

	record := &schema.ActivationCode{
		CardID:          card.ID,
		CodeHash:        hashCode(code),
		DeliveryChannel: channel,
		ExpiresAt:       s.clock.Now().Add(s.codeTTL),
	}
	if err := s.store.CreateActivationCode(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store activation code: %w", err)
	}

	return &IssuedCode{Code: code, ExpiresAt: record.ExpiresAt}, nil
}

// Activate consumes an activation code and hands the card to its first owner.
// The code comparison is constant-time; any failure leaves all state unchanged.
func (s *Service) Activate(ctx context.Context, uid domain.ChipUID, code string, claimant domain.PlayerRef) (*schema.PhysicalCard, error) {
	card, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.GetLatestCodeForCard(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load activation code: %w", err)
	}
	if latest == nil {
		return nil, domain.ErrInvalidCode
	}

	supplied := hashCode(code)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(latest.CodeHash)) != 1 {
		return nil, domain.ErrInvalidCode
	}

	now := s.clock.Now()
	if latest.ConsumedAt != nil {
		return nil, domain.ErrAlreadyActivated
	}
	if now.After(latest.ExpiresAt) {
		return nil, domain.ErrCodeExpired
	}

	if err := s.store.ActivateCard(ctx, store.ActivateCardInput{
		CardID:     card.ID,
		CodeID:     latest.ID,
		Claimant:   string(claimant),
		ConsumedAt: now,
	}); err != nil {
		return nil, err
	}

	s.audit(ctx, card, claimant)

	activated, err := s.registry.Lookup(ctx, uid)
	if err != nil {
		return nil, err
	}
	return activated, nil
}

func (s *Service) audit(ctx context.Context, card *schema.PhysicalCard, claimant domain.PlayerRef) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Record(ctx, telemetry.Event{
		CardID:   &card.ID,
		ChipUID:  card.ChipUID,
		Kind:     domain.EventCardActivated,
		Severity: domain.SeverityInfo,
		Context:  map[string]interface{}{"claimant": string(claimant)},
	}); err != nil {
		logger.Error(err, zap.String("chip_uid", card.ChipUID))
	}
}

// generateCode draws codeDigits decimal digits from the CSPRNG
func generateCode() (string, error) {
	limit := big.NewInt(10)
	code := make([]byte, codeDigits)
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
