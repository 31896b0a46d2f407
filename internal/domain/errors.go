package domain

import "errors"

var (
	// ErrDuplicateUID is returned when registering a chip UID that already exists.
	// This is the first line of clone defense at provisioning time.
	ErrDuplicateUID = errors.New("duplicate chip UID")

	// ErrCardNotFound is returned when a card is not found
	ErrCardNotFound = errors.New("card not found")

	// ErrCardInvalid is returned when a card is unknown or revoked.
	// Deliberately coarse so callers cannot probe which UIDs exist.
	ErrCardInvalid = errors.New("card invalid")

	// ErrInvalidTransition is returned when a lifecycle compare-and-swap loses
	// a race or the requested edge is not part of the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrReplaySuspected is returned when a challenge is reused, expired, or
	// presented for the wrong card
	ErrReplaySuspected = errors.New("replay suspected")

	// ErrCryptoMismatch is returned when the chip response does not match the
	// derived expectation
	ErrCryptoMismatch = errors.New("authentication response mismatch")

	// ErrInvalidCode is returned when an activation or trade code does not match
	ErrInvalidCode = errors.New("code does not match")

	// ErrCodeExpired is returned when an activation code is past its expiry
	ErrCodeExpired = errors.New("activation code expired")

	// ErrAlreadyActivated is returned when an activation code was already consumed
	ErrAlreadyActivated = errors.New("card already activated")

	// ErrNotOwner is returned when a party acts on a card they do not own
	ErrNotOwner = errors.New("not the card owner")

	// ErrTradeAlreadyActive is returned when a pending offer already exists for a card
	ErrTradeAlreadyActive = errors.New("trade already active for card")

	// ErrTradeExpired is returned when completing an offer that is expired,
	// cancelled, or already accepted
	ErrTradeExpired = errors.New("trade offer expired or no longer pending")

	// ErrSelfTrade is returned when seller and buyer are the same player
	ErrSelfTrade = errors.New("self trade rejected")
)
