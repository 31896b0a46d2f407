package authengine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/authengine"
	"github.com/radiant-tcg/cardtrust/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                       { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration      { return c.now.Sub(t) }
func (c *fakeClock) Sleep(time.Duration)                  {}
func (c *fakeClock) After(time.Duration) <-chan time.Time { return nil }

func TestChallengeStore_Issue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cs := authengine.NewChallengeStore(clock, 0)

	challenge, err := cs.Issue("04AABBCCDDEE80", "reader-1")
	require.NoError(t, err)

	assert.Len(t, challenge.Value, domain.ChallengeSize)
	assert.Len(t, challenge.ID, domain.ChallengeSize*2)
	assert.Equal(t, clock.now.Add(domain.ChallengeTTL), challenge.ExpiresAt)

	// Every challenge is fresh
	second, err := cs.Issue("04AABBCCDDEE80", "reader-1")
	require.NoError(t, err)
	assert.NotEqual(t, challenge.ID, second.ID)
	assert.Equal(t, 2, cs.Outstanding())
}

func TestChallengeStore_Take(t *testing.T) {
	t.Run("single use", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		challenge, err := cs.Issue("04AABBCCDDEE80", "reader-1")
		require.NoError(t, err)

		taken, ok := cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-1")
		require.True(t, ok)
		assert.Equal(t, challenge.Value, taken.Value)

		// Second take of the same challenge fails
		_, ok = cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-1")
		assert.False(t, ok)
	})

	t.Run("expired challenge is rejected and removed", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		challenge, err := cs.Issue("04AABBCCDDEE80", "reader-1")
		require.NoError(t, err)

		clock.now = clock.now.Add(domain.ChallengeTTL + time.Second)

		_, ok := cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-1")
		assert.False(t, ok)
		assert.Zero(t, cs.Outstanding())
	})

	t.Run("uid binding enforced", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		challenge, err := cs.Issue("04AABBCCDDEE80", "reader-1")
		require.NoError(t, err)

		// Presenting another card's UID burns the challenge
		_, ok := cs.Take(challenge.ID, "04AABBCCDDEE91", "reader-1")
		assert.False(t, ok)
		_, ok = cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-1")
		assert.False(t, ok)
	})

	t.Run("device binding enforced", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		challenge, err := cs.Issue("04AABBCCDDEE80", "reader-1")
		require.NoError(t, err)

		// A challenge relayed to another device burns it
		_, ok := cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-2")
		assert.False(t, ok)
		_, ok = cs.Take(challenge.ID, "04AABBCCDDEE80", "reader-1")
		assert.False(t, ok)
	})

	t.Run("unknown id", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		_, ok := cs.Take("deadbeef", "04AABBCCDDEE80", "reader-1")
		assert.False(t, ok)
	})

	t.Run("lazy sweep drops stale entries", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cs := authengine.NewChallengeStore(clock, 0)

		for i := 0; i < 5; i++ {
			_, err := cs.Issue("04AABBCCDDEE80", "reader-1")
			require.NoError(t, err)
		}
		require.Equal(t, 5, cs.Outstanding())

		clock.now = clock.now.Add(domain.ChallengeTTL + time.Second)
		assert.Zero(t, cs.Outstanding())
	})
}
