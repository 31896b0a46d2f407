// Package authengine implements NFC card challenge-response authentication:
// fresh CSPRNG challenges, constant-time response verification, replay
// rejection, and synchronous clone-detection on failures.
package authengine

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/metrics"
	"github.com/radiant-tcg/cardtrust/internal/policy"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

// AuthResult is the outcome of a successful verification
type AuthResult struct {
	Card *schema.PhysicalCard
	// UsageCount is the counter value after this authentication
	UsageCount uint64
}

// Engine implements the challenge-response protocol
type Engine struct {
	store      store.Store
	registry   *registry.Service
	deriver    *keyvault.Deriver
	challenges *ChallengeStore
	recorder   *telemetry.Recorder
	policy     policy.SuspensionPolicy
	clock      adapter.Clock
}

// NewEngine creates an authentication engine. pol may be nil, which disables
// automatic suspension on clone suspicion.
func NewEngine(
	s store.Store,
	reg *registry.Service,
	deriver *keyvault.Deriver,
	challenges *ChallengeStore,
	recorder *telemetry.Recorder,
	pol policy.SuspensionPolicy,
	clock adapter.Clock,
) *Engine {
	return &Engine{
		store:      s,
		registry:   reg,
		deriver:    deriver,
		challenges: challenges,
		recorder:   recorder,
		policy:     pol,
		clock:      clock,
	}
}

// Authenticate looks up the card and issues a fresh challenge.
// Unknown, revoked, and suspended cards all fail with domain.ErrCardInvalid —
// the error does not reveal whether the UID exists.
func (e *Engine) Authenticate(ctx context.Context, uid domain.ChipUID, device domain.DeviceRef) (*Challenge, error) {
	uid = domain.NormalizeChipUID(uid.String())

	card, err := e.registry.Lookup(ctx, uid)
	if err != nil {
		if errors.Is(err, domain.ErrCardNotFound) {
			metrics.AuthAttempts.WithLabelValues(metrics.OutcomeCardInvalid).Inc()
			return nil, domain.ErrCardInvalid
		}
		return nil, err
	}
	if !card.Status.Usable() {
		metrics.AuthAttempts.WithLabelValues(metrics.OutcomeCardInvalid).Inc()
		return nil, domain.ErrCardInvalid
	}

	return e.challenges.Issue(uid, device)
}

// Verify checks the chip's response to a previously issued challenge.
//
// The challenge is consumed before any cryptographic work: a reused, expired,
// or rebound challenge fails with domain.ErrReplaySuspected regardless of the
// response bytes. The response comparison itself is constant-time.
func (e *Engine) Verify(ctx context.Context, uid domain.ChipUID, challengeID string, responseHex string, device domain.DeviceRef) (*AuthResult, error) {
	timer := e.clock.Now()
	defer func() {
		metrics.VerifyDuration.Observe(e.clock.Since(timer).Seconds())
	}()

	uid = domain.NormalizeChipUID(uid.String())

	challenge, ok := e.challenges.Take(challengeID, uid, device)
	if !ok {
		metrics.AuthAttempts.WithLabelValues(metrics.OutcomeReplay).Inc()
		e.record(ctx, nil, uid, device, domain.EventReplaySuspect, domain.SeverityElevated, map[string]interface{}{
			"challenge_id": challengeID,
		})
		return nil, domain.ErrReplaySuspected
	}

	card, err := e.registry.Lookup(ctx, uid)
	if err != nil {
		if errors.Is(err, domain.ErrCardNotFound) {
			metrics.AuthAttempts.WithLabelValues(metrics.OutcomeCardInvalid).Inc()
			return nil, domain.ErrCardInvalid
		}
		return nil, err
	}
	if !card.Status.Usable() {
		metrics.AuthAttempts.WithLabelValues(metrics.OutcomeCardInvalid).Inc()
		return nil, domain.ErrCardInvalid
	}

	keys, err := e.deriver.Derive(uid, card.SKU)
	if err != nil {
		return nil, fmt.Errorf("failed to derive card keys: %w", err)
	}
	expected := keys.Response(challenge.Value)

	response, err := hex.DecodeString(responseHex)
	if err != nil {
		response = nil
	}

	if len(response) == len(expected) && subtle.ConstantTimeCompare(response, expected) == 1 {
		return e.succeed(ctx, card, uid, device)
	}
	return nil, e.fail(ctx, card, uid, device)
}

func (e *Engine) succeed(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID, device domain.DeviceRef) (*AuthResult, error) {
	count, err := e.store.IncrementUsageCount(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	card.UsageCount = count

	metrics.AuthAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
	e.record(ctx, card, uid, device, domain.EventAuthSuccess, domain.SeverityInfo, map[string]interface{}{
		"usage_count": count,
	})

	return &AuthResult{Card: card, UsageCount: count}, nil
}

func (e *Engine) fail(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID, device domain.DeviceRef) error {
	metrics.AuthAttempts.WithLabelValues(metrics.OutcomeCryptoMismatch).Inc()
	e.record(ctx, card, uid, device, domain.EventAuthFailure, domain.SeverityElevated, nil)

	if e.recorder != nil {
		signal, err := e.recorder.EvaluateCloneSignal(ctx, card, uid, device)
		if err != nil {
			// The failure itself is already persisted; never mask the
			// caller-facing result with a telemetry error
			logger.Error(err, zap.String("chip_uid", uid.String()))
		} else if signal.Suspected {
			metrics.CloneSuspicions.Inc()
			e.applyPolicy(ctx, card, uid)
		}
	}

	return domain.ErrCryptoMismatch
}

// applyPolicy reacts to a raised clone suspicion per the configured policy
func (e *Engine) applyPolicy(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID) {
	if e.policy == nil {
		return
	}

	prior, err := e.countSuspicions(ctx, uid)
	if err != nil {
		logger.Error(err, zap.String("chip_uid", uid.String()))
		return
	}
	// The suspicion just recorded is not "prior"
	if prior > 0 {
		prior--
	}

	var action policy.Action
	switch action = e.policy.OnCloneSuspected(card.Status, prior); action {
	case policy.ActionSuspend:
		err = e.registry.Transition(ctx, uid, domain.StatusActivated, domain.StatusSuspended)
	case policy.ActionRevoke:
		err = e.registry.Transition(ctx, uid, card.Status, domain.StatusRevoked)
	default:
		return
	}

	if err != nil {
		// Losing the CAS here means another actor already moved the card
		logger.Warn("policy action not applied",
			zap.String("chip_uid", uid.String()),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

func (e *Engine) countSuspicions(ctx context.Context, uid domain.ChipUID) (int, error) {
	uidStr := uid.String()
	kind := domain.EventCloneSuspected
	events, err := e.store.ListSecurityEvents(ctx, store.EventFilter{
		ChipUID: &uidStr,
		Kind:    &kind,
		Limit:   1000,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count clone suspicions: %w", err)
	}
	return len(events), nil
}

func (e *Engine) record(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID, device domain.DeviceRef, kind domain.EventKind, severity domain.Severity, extra map[string]interface{}) {
	if e.recorder == nil {
		return
	}

	var cardID *uint64
	if card != nil {
		id := card.ID
		cardID = &id
	}

	if _, err := e.recorder.Record(ctx, telemetry.Event{
		CardID:   cardID,
		ChipUID:  uid.String(),
		Kind:     kind,
		Device:   device,
		Severity: severity,
		Context:  extra,
	}); err != nil {
		logger.Error(err, zap.String("chip_uid", uid.String()))
	}
}
