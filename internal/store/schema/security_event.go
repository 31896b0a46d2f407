package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// SecurityEvent represents the security_events table - an immutable,
// append-only audit log. No component may update or delete past events.
// IDs are ULIDs so the log sorts lexicographically by creation time.
type SecurityEvent struct {
	// ID is a ULID assigned at record time
	ID string `gorm:"column:id;primaryKey;type:text"`
	// CardID references the card, nil when the presented UID is unknown
	CardID *uint64 `gorm:"column:card_id;index"`
	// ChipUID is the UID as presented, kept even for unknown cards
	ChipUID *string `gorm:"column:chip_uid;type:text;index"`
	// Kind is the event kind (auth_success, auth_failure, clone_suspected, ...)
	Kind domain.EventKind `gorm:"column:kind;not null;type:text;index"`
	// Device is the originating device reference
	Device string `gorm:"column:device;not null;type:text;index"`
	// Severity is info/elevated/high
	Severity domain.Severity `gorm:"column:severity;not null;type:text"`
	// Context holds arbitrary structured context as JSON
	Context datatypes.JSON `gorm:"column:context;type:jsonb"`
	// CreatedAt is the event timestamp
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz;index"`
}

// TableName specifies the table name for the SecurityEvent model
func (SecurityEvent) TableName() string {
	return "security_events"
}
