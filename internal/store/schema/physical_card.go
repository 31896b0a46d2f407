package schema

import (
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// PhysicalCard represents the physical_cards table - one NFC chip bound to one
// digital identity. The chip UID is globally unique and never reused; the key
// reference is written exactly once at provisioning time and never mutated.
type PhysicalCard struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// ChipUID is the factory-assigned chip identifier, uppercase hex
	ChipUID string `gorm:"column:chip_uid;not null;uniqueIndex;type:text"`
	// SKU references a product in the external card catalog
	SKU domain.SKU `gorm:"column:sku;not null;type:text;index"`
	// BatchID references the manufacturing run this chip came from; nil for
	// cards registered outside a tracked batch
	BatchID *uint64 `gorm:"column:batch_id;uniqueIndex:idx_cards_batch_serial,priority:1"`
	// SerialNumber is the human-readable serial, unique within a batch
	SerialNumber string `gorm:"column:serial_number;not null;type:text;uniqueIndex:idx_cards_batch_serial,priority:2"`
	// KeyRef is the opaque pointer to derived key material. The raw keys never
	// leave the key derivation module.
	KeyRef string `gorm:"column:key_ref;not null;type:text"`
	// SecurityTier is the tag technology/capability level
	SecurityTier domain.SecurityTier `gorm:"column:security_tier;not null;type:text"`
	// Status is the lifecycle state, changed only via compare-and-swap
	Status domain.CardStatus `gorm:"column:status;not null;type:text;index"`
	// Owner is the owning player reference; nil until activation
	Owner *string `gorm:"column:owner;type:text;index"`
	// UsageCount increments on every successful authentication
	UsageCount uint64 `gorm:"column:usage_count;not null;default:0"`
	// CreatedAt is the timestamp when this card was provisioned
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`

	// Associations
	Batch           CardBatch        `gorm:"foreignKey:BatchID"`
	ActivationCodes []ActivationCode `gorm:"foreignKey:CardID;constraint:OnDelete:CASCADE"`
	TradeOffers     []TradeOffer     `gorm:"foreignKey:CardID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the PhysicalCard model
func (PhysicalCard) TableName() string {
	return "physical_cards"
}
