package schema

import "time"

// ActivationCode represents the activation_codes table - a one-time secret
// bound to exactly one card. The plaintext code is never persisted, only its
// SHA-256 hash. A code can be consumed at most once, and only before expiry.
type ActivationCode struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// CardID references the card this code activates
	CardID uint64 `gorm:"column:card_id;not null;index"`
	// CodeHash is the hex SHA-256 of the plaintext code
	CodeHash string `gorm:"column:code_hash;not null;type:text"`
	// DeliveryChannel records how the code reached the buyer (email, print, sms)
	DeliveryChannel string `gorm:"column:delivery_channel;not null;type:text"`
	// ExpiresAt is the expiry timestamp; checked at consume time
	ExpiresAt time.Time `gorm:"column:expires_at;not null;type:timestamptz"`
	// ConsumedAt is set exactly once when the code is redeemed
	ConsumedAt *time.Time `gorm:"column:consumed_at;type:timestamptz"`
	// CreatedAt is the timestamp when this code was issued
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`

	// Associations
	Card PhysicalCard `gorm:"foreignKey:CardID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for the ActivationCode model
func (ActivationCode) TableName() string {
	return "activation_codes"
}
