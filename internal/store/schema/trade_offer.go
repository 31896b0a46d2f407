package schema

import (
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// TradeOffer represents the trade_offers table - an escrow record for a
// peer-to-peer ownership transfer. At most one pending offer may exist per
// card at a time, enforced by a partial unique index.
type TradeOffer struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// CardID references the card being traded
	CardID uint64 `gorm:"column:card_id;not null;index;uniqueIndex:idx_trade_offers_card_pending,where:status = 'pending'"`
	// Seller is the player who initiated the offer
	Seller string `gorm:"column:seller;not null;type:text;index"`
	// TradeCode is the short-lived escrow code gating completion
	TradeCode string `gorm:"column:trade_code;not null;uniqueIndex;type:text"`
	// AskingPrice is the optional asking price in minor currency units
	AskingPrice *int64 `gorm:"column:asking_price;type:bigint"`
	// Status is pending/accepted/cancelled/expired
	Status domain.TradeStatus `gorm:"column:status;not null;type:text;index"`
	// ExpiresAt is the offer expiry; checked at complete time
	ExpiresAt time.Time `gorm:"column:expires_at;not null;type:timestamptz"`
	// Buyer is set when the offer is completed
	Buyer *string `gorm:"column:buyer;type:text"`
	// CreatedAt is the timestamp when this offer was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`

	// Associations
	Card PhysicalCard `gorm:"foreignKey:CardID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the TradeOffer model
func (TradeOffer) TableName() string {
	return "trade_offers"
}
