// Package dto defines the REST wire types. Internal schema types never cross
// the API boundary directly.
package dto

import (
	"encoding/json"
	"time"

	"github.com/radiant-tcg/cardtrust/internal/authengine"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

// RegisterCardRequest registers a single provisioned card
type RegisterCardRequest struct {
	ChipUID      string `json:"chip_uid" binding:"required"`
	SKU          string `json:"sku" binding:"required"`
	BatchCode    string `json:"batch_code"`
	SerialNumber string `json:"serial_number"`
	SecurityTier string `json:"security_tier"`
}

// SellCardRequest marks a card sold and issues its activation code
type SellCardRequest struct {
	// DeliveryChannel is how the code reaches the buyer (email, print, qr)
	DeliveryChannel string `json:"delivery_channel" binding:"required"`
}

// SellCardResponse carries the activation code plaintext. This is the only
// place the plaintext ever appears; the store keeps a hash.
type SellCardResponse struct {
	ActivationCode string    `json:"activation_code"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ActivateCardRequest consumes an activation code
type ActivateCardRequest struct {
	Code     string `json:"code" binding:"required"`
	Claimant string `json:"claimant" binding:"required"`
}

// AuthenticateRequest asks for a fresh challenge
type AuthenticateRequest struct {
	Device string `json:"device" binding:"required"`
}

// ChallengeResponse carries an issued challenge
type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Challenge   string    `json:"challenge"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// VerifyRequest presents the chip's response to a challenge
type VerifyRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Response    string `json:"response" binding:"required"`
	Device      string `json:"device" binding:"required"`
}

// VerifyResponse reports a successful authentication
type VerifyResponse struct {
	Authenticated bool   `json:"authenticated"`
	UsageCount    uint64 `json:"usage_count"`
}

// InitiateTradeRequest opens an escrow offer
type InitiateTradeRequest struct {
	Seller      string `json:"seller" binding:"required"`
	AskingPrice *int64 `json:"asking_price"`
}

// TradeOfferResponse carries an open offer, including the trade code the
// seller relays to the buyer
type TradeOfferResponse struct {
	TradeCode   string    `json:"trade_code"`
	Seller      string    `json:"seller"`
	AskingPrice *int64    `json:"asking_price,omitempty"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CompleteTradeRequest accepts an offer
type CompleteTradeRequest struct {
	TradeCode string `json:"trade_code" binding:"required"`
	Buyer     string `json:"buyer" binding:"required"`
}

// CancelTradeRequest withdraws an offer
type CancelTradeRequest struct {
	Seller string `json:"seller" binding:"required"`
}

// AdminStatusRequest forces a card status change
type AdminStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// CardResponse is the public view of a card
type CardResponse struct {
	ChipUID      string    `json:"chip_uid"`
	SKU          string    `json:"sku"`
	SerialNumber string    `json:"serial_number,omitempty"`
	SecurityTier string    `json:"security_tier"`
	Status       string    `json:"status"`
	Owner        *string   `json:"owner,omitempty"`
	UsageCount   uint64    `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SecurityEventResponse is the public view of one audit log entry
type SecurityEventResponse struct {
	ID         string                 `json:"id"`
	ChipUID    *string                `json:"chip_uid,omitempty"`
	Kind       string                 `json:"kind"`
	Device     string                 `json:"device,omitempty"`
	Severity   string                 `json:"severity"`
	Context    map[string]interface{} `json:"context,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// SecurityEventListResponse wraps a page of events
type SecurityEventListResponse struct {
	Events []SecurityEventResponse `json:"events"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// FromCard maps a stored card to its public view
func FromCard(card *schema.PhysicalCard) CardResponse {
	return CardResponse{
		ChipUID:      card.ChipUID,
		SKU:          card.SKU.String(),
		SerialNumber: card.SerialNumber,
		SecurityTier: string(card.SecurityTier),
		Status:       string(card.Status),
		Owner:        card.Owner,
		UsageCount:   card.UsageCount,
		CreatedAt:    card.CreatedAt,
		UpdatedAt:    card.UpdatedAt,
	}
}

// FromOffer maps a trade offer to its public view
func FromOffer(offer *schema.TradeOffer) TradeOfferResponse {
	return TradeOfferResponse{
		TradeCode:   offer.TradeCode,
		Seller:      offer.Seller,
		AskingPrice: offer.AskingPrice,
		Status:      string(offer.Status),
		ExpiresAt:   offer.ExpiresAt,
	}
}

// FromChallenge maps an issued challenge to its public view
func FromChallenge(challenge *authengine.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ChallengeID: challenge.ID,
		Challenge:   challenge.ID,
		ExpiresAt:   challenge.ExpiresAt,
	}
}

// FromEvent maps a stored security event to its public view
func FromEvent(event *schema.SecurityEvent) SecurityEventResponse {
	resp := SecurityEventResponse{
		ID:         event.ID,
		ChipUID:    event.ChipUID,
		Kind:       string(event.Kind),
		Device:     event.Device,
		Severity:   string(event.Severity),
		OccurredAt: event.CreatedAt,
	}
	if len(event.Context) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(event.Context, &parsed); err == nil {
			resp.Context = parsed
		}
	}
	return resp
}
