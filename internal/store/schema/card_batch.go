package schema

import (
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// CardBatch represents the card_batches table - one manufacturing run of chips.
// A batch is immutable after closure except for the programmed-count counter.
type CardBatch struct {
	// ID is the internal database primary key
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	// BatchCode is the human-assigned batch identifier (e.g. "RAD24-07A")
	BatchCode string `gorm:"column:batch_code;not null;uniqueIndex;type:text"`
	// SKU is the target product SKU for every card in the run
	SKU domain.SKU `gorm:"column:sku;not null;type:text"`
	// DeclaredCount is the number of cards the run was declared for
	DeclaredCount int `gorm:"column:declared_count;not null"`
	// ProgrammedCount is the number of chips actually programmed so far
	ProgrammedCount int `gorm:"column:programmed_count;not null;default:0"`
	// ProducedAt is the production timestamp reported by manufacturing
	ProducedAt time.Time `gorm:"column:produced_at;not null;type:timestamptz"`
	// ClosedAt is set when the run is closed; nil while still open
	ClosedAt *time.Time `gorm:"column:closed_at;type:timestamptz"`
	// CreatedAt is the timestamp when this record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`

	// Associations
	Cards []PhysicalCard `gorm:"foreignKey:BatchID"`
}

// TableName specifies the table name for the CardBatch model
func (CardBatch) TableName() string {
	return "card_batches"
}
