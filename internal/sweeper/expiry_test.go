package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/store/storetest"
	"github.com/radiant-tcg/cardtrust/internal/sweeper"
)

func TestExpirySweeper(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()

	card := &schema.PhysicalCard{
		ChipUID: "04AABBCCDDEE80",
		SKU:     "RAD-S1-DRAGON",
		KeyRef:  "ref",
		Status:  domain.StatusActivated,
	}
	require.NoError(t, mem.RegisterCard(ctx, card))

	stale := &schema.TradeOffer{
		CardID:    card.ID,
		Seller:    "seller-1",
		TradeCode: "code-1",
		Status:    domain.TradePending,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, mem.CreateTradeOffer(ctx, stale))

	staleCode := &schema.ActivationCode{
		CardID:    card.ID,
		CodeHash:  "hash",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, mem.CreateActivationCode(ctx, staleCode))

	s := sweeper.NewExpirySweeper(
		&sweeper.ExpirySweeperConfig{SweepInterval: 10 * time.Millisecond},
		mem,
		adapter.NewClock(),
	)
	assert.Equal(t, "expiry-sweeper", s.Name())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Wait for at least one sweep cycle to land
	require.Eventually(t, func() bool {
		offer, err := mem.GetPendingOfferForCard(ctx, card.ID)
		if err != nil {
			return false
		}
		code, err := mem.GetLatestCodeForCard(ctx, card.ID)
		if err != nil {
			return false
		}
		return offer == nil && code == nil
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not exit after stop")
	}
}
