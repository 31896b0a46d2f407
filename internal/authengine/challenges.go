package authengine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// Challenge is one issued authentication challenge. The ID is the hex form of
// the challenge bytes; the caller relays the bytes to the chip and hands the
// ID back on verify.
type Challenge struct {
	ID        string
	Value     []byte
	UID       domain.ChipUID
	Device    domain.DeviceRef
	ExpiresAt time.Time
}

// ChallengeStore holds outstanding challenges in memory. Challenges are
// single-use: Take removes the entry whether or not verification later
// succeeds. Expired entries are dropped lazily on access.
type ChallengeStore struct {
	mu      sync.Mutex
	clock   adapter.Clock
	ttl     time.Duration
	entries map[string]*Challenge
}

// NewChallengeStore creates a challenge store with the given TTL.
// ttl <= 0 selects domain.ChallengeTTL.
func NewChallengeStore(clock adapter.Clock, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = domain.ChallengeTTL
	}
	return &ChallengeStore{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]*Challenge),
	}
}

// Issue generates a fresh CSPRNG challenge bound to (uid, device)
func (s *ChallengeStore) Issue(uid domain.ChipUID, device domain.DeviceRef) (*Challenge, error) {
	value := make([]byte, domain.ChallengeSize)
	if _, err := rand.Read(value); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	challenge := &Challenge{
		ID:        hex.EncodeToString(value),
		Value:     value,
		UID:       uid,
		Device:    device,
		ExpiresAt: s.clock.Now().Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.entries[challenge.ID] = challenge

	return challenge, nil
}

// Take removes and returns the challenge for the given ID if it is still
// valid and bound to the same UID and device. A missing, expired, reused, or
// rebound challenge returns false. The entry is removed in every case.
func (s *ChallengeStore) Take(id string, uid domain.ChipUID, device domain.DeviceRef) (*Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	delete(s.entries, id)

	if s.clock.Now().After(challenge.ExpiresAt) {
		return nil, false
	}
	if challenge.UID != uid || challenge.Device != device {
		return nil, false
	}

	return challenge, true
}

// Outstanding returns the number of live entries, for tests and metrics
func (s *ChallengeStore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.entries)
}

// sweepLocked drops expired entries. Callers hold the mutex.
func (s *ChallengeStore) sweepLocked() {
	now := s.clock.Now()
	for id, challenge := range s.entries {
		if now.After(challenge.ExpiresAt) {
			delete(s.entries, id)
		}
	}
}
