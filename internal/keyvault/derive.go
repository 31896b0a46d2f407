package keyvault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// Key derivation labels. Changing any of these invalidates every card in the
// field, so they are versioned.
const (
	infoAuth = "cardtrust/v1/auth"
	infoMAC  = "cardtrust/v1/mac"
	infoEnc  = "cardtrust/v1/enc"
	infoRef  = "cardtrust/v1/ref"
)

// SubKeySize is the length of each derived sub-key in bytes
const SubKeySize = 32

// MinRootSecretSize is the minimum accepted root secret length in bytes
const MinRootSecretSize = 32

// ErrRootSecretTooShort is returned when the configured root secret is too weak
var ErrRootSecretTooShort = errors.New("root secret must be at least 32 bytes")

// RootSecret is the master key from which all per-card keys are derived.
// It is loaded once at process start, held in memory only, and must never be
// logged, serialized, or stored per-card.
type RootSecret []byte

// RootSecretFromHex decodes and validates a hex-encoded root secret
func RootSecretFromHex(s string) (RootSecret, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode root secret: %w", err)
	}
	if len(raw) < MinRootSecretSize {
		return nil, ErrRootSecretTooShort
	}
	return RootSecret(raw), nil
}

// CardKeys holds the three sub-keys derived for one card. Callers receive them
// transiently for immediate use; they are never persisted and must not be logged.
type CardKeys struct {
	// Auth is the challenge-response authentication key
	Auth []byte
	// MAC is the integrity key for tag message authentication
	MAC []byte
	// Enc is the session encryption key
	Enc []byte
}

// Response computes the expected chip response for a challenge:
// HMAC-SHA256 over the challenge with the card's authentication key.
// This mirrors the computation the chip performs with its on-chip key.
func (k *CardKeys) Response(challenge []byte) []byte {
	h := hmac.New(sha256.New, k.Auth)
	h.Write(challenge)
	return h.Sum(nil)
}

// Deriver is the Key Derivation Module. It owns the root secret and exposes
// derivation as its only operation.
type Deriver struct {
	root RootSecret
}

// NewDeriver creates a Deriver around a loaded root secret
func NewDeriver(root RootSecret) (*Deriver, error) {
	if len(root) < MinRootSecretSize {
		return nil, ErrRootSecretTooShort
	}
	return &Deriver{root: root}, nil
}

// Derive deterministically derives the per-card sub-keys for a (uid, sku) pair
// using HKDF-SHA256. Identical inputs always yield identical output; distinct
// inputs yield computationally independent keys.
func (d *Deriver) Derive(uid domain.ChipUID, sku domain.SKU) (*CardKeys, error) {
	if !uid.Valid() {
		return nil, fmt.Errorf("cannot derive keys for malformed uid %q", uid)
	}

	salt := cardSalt(uid, sku)

	keys := &CardKeys{}
	for _, sub := range []struct {
		info string
		dst  *[]byte
	}{
		{infoAuth, &keys.Auth},
		{infoMAC, &keys.MAC},
		{infoEnc, &keys.Enc},
	} {
		key, err := d.expand(salt, sub.info, SubKeySize)
		if err != nil {
			return nil, err
		}
		*sub.dst = key
	}

	return keys, nil
}

// KeyRef derives the opaque key reference persisted on the card record.
// It is a fingerprint of the derived material, not key material itself:
// knowing a KeyRef reveals nothing about the root secret or any sub-key.
func (d *Deriver) KeyRef(uid domain.ChipUID, sku domain.SKU) (string, error) {
	ref, err := d.expand(cardSalt(uid, sku), infoRef, SubKeySize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ref), nil
}

// expand runs one HKDF expansion for a single sub-key
func (d *Deriver) expand(salt []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, d.root, salt, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return key, nil
}

// cardSalt binds the derivation to the card identity
func cardSalt(uid domain.ChipUID, sku domain.SKU) []byte {
	sum := sha256.Sum256([]byte(uid.String() + ":" + sku.String()))
	return sum[:]
}
