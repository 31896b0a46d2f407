package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to defaults:
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// AutoMigrate creates or updates the database schema for all models.
// The partial unique index on pending trade offers comes from the model tags.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.CardBatch{},
		&schema.PhysicalCard{},
		&schema.ActivationCode{},
		&schema.TradeOffer{},
		&schema.SecurityEvent{},
	)
}

// CreateBatch records a new manufacturing run
func (s *pgStore) CreateBatch(ctx context.Context, batch *schema.CardBatch) error {
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatchByCode retrieves a batch by its human-assigned code
func (s *pgStore) GetBatchByCode(ctx context.Context, code string) (*schema.CardBatch, error) {
	var batch schema.CardBatch
	err := s.db.WithContext(ctx).Where("batch_code = ?", code).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// CloseBatch closes a run exactly once
func (s *pgStore) CloseBatch(ctx context.Context, batchID uint64, closedAt time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&schema.CardBatch{}).
		Where("id = ? AND closed_at IS NULL", batchID).
		Update("closed_at", closedAt)
	if res.Error != nil {
		return fmt.Errorf("failed to close batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch %d already closed or unknown", batchID)
	}
	return nil
}

// IncrementProgrammedCount bumps the programmed-chip counter for a batch
func (s *pgStore) IncrementProgrammedCount(ctx context.Context, batchID uint64) error {
	err := s.db.WithContext(ctx).
		Model(&schema.CardBatch{}).
		Where("id = ?", batchID).
		Update("programmed_count", gorm.Expr("programmed_count + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment programmed count: %w", err)
	}
	return nil
}

// RegisterCard inserts a freshly provisioned card.
// A chip UID conflict maps to domain.ErrDuplicateUID: a cloned chip presenting
// a legitimate UID a second time during provisioning is rejected outright.
func (s *pgStore) RegisterCard(ctx context.Context, card *schema.PhysicalCard) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chip_uid"}},
			DoNothing: true,
		}).
		Clauses(clause.Returning{Columns: []clause.Column{}}).
		Create(card).Error
	if err != nil {
		return fmt.Errorf("failed to register card: %w", err)
	}

	// ID stays 0 when ON CONFLICT suppressed the insert
	if card.ID == 0 {
		return domain.ErrDuplicateUID
	}

	return nil
}

// GetCardByUID retrieves a card by chip UID
func (s *pgStore) GetCardByUID(ctx context.Context, uid domain.ChipUID) (*schema.PhysicalCard, error) {
	var card schema.PhysicalCard
	err := s.db.WithContext(ctx).Where("chip_uid = ?", uid.String()).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return &card, nil
}

// TransitionStatus performs an atomic compare-and-swap on card status.
// UPDATE ... WHERE status = from guarantees that of two concurrent
// transitions, exactly one observes the expected status and wins.
func (s *pgStore) TransitionStatus(ctx context.Context, uid domain.ChipUID, from, to domain.CardStatus) error {
	res := s.db.WithContext(ctx).
		Model(&schema.PhysicalCard{}).
		Where("chip_uid = ? AND status = ?", uid.String(), from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to transition status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// IncrementUsageCount atomically bumps the usage counter and returns the new value
func (s *pgStore) IncrementUsageCount(ctx context.Context, uid domain.ChipUID) (uint64, error) {
	var card schema.PhysicalCard
	err := s.db.WithContext(ctx).
		Model(&card).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "usage_count"}}}).
		Where("chip_uid = ?", uid.String()).
		Update("usage_count", gorm.Expr("usage_count + 1")).Error
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage count: %w", err)
	}
	return card.UsageCount, nil
}

// CreateActivationCode stores a new one-time code (hash only)
func (s *pgStore) CreateActivationCode(ctx context.Context, code *schema.ActivationCode) error {
	if err := s.db.WithContext(ctx).Create(code).Error; err != nil {
		return fmt.Errorf("failed to create activation code: %w", err)
	}
	return nil
}

// GetLatestCodeForCard returns the most recently issued code for a card
func (s *pgStore) GetLatestCodeForCard(ctx context.Context, cardID uint64) (*schema.ActivationCode, error) {
	var code schema.ActivationCode
	err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("created_at DESC, id DESC").
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get activation code: %w", err)
	}
	return &code, nil
}

// ActivateCard atomically consumes a code and transitions Sold -> Activated.
// Both updates are compare-and-swaps inside one transaction, so two concurrent
// activation attempts produce exactly one success and no partial state.
func (s *pgStore) ActivateCard(ctx context.Context, input ActivateCardInput) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&schema.ActivationCode{}).
			Where("id = ? AND consumed_at IS NULL", input.CodeID).
			Update("consumed_at", input.ConsumedAt)
		if res.Error != nil {
			return fmt.Errorf("failed to consume activation code: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyActivated
		}

		res = tx.Model(&schema.PhysicalCard{}).
			Where("id = ? AND status = ?", input.CardID, domain.StatusSold).
			Updates(map[string]interface{}{
				"status":     domain.StatusActivated,
				"owner":      input.Claimant,
				"updated_at": gorm.Expr("now()"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to activate card: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Rolls back the code consumption above
			return domain.ErrInvalidTransition
		}

		return nil
	})
}

// PurgeExpiredCodes deletes expired, unconsumed activation codes
func (s *pgStore) PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("consumed_at IS NULL AND expires_at <= ?", now).
		Delete(&schema.ActivationCode{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired codes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateTradeOffer inserts a pending offer. The partial unique index on
// (card_id) WHERE status = 'pending' enforces at most one active offer per card.
func (s *pgStore) CreateTradeOffer(ctx context.Context, offer *schema.TradeOffer) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			// Matches the partial unique index by inference; a plain
			// ON CONSTRAINT target does not work for partial indexes
			Columns:     []clause.Column{{Name: "card_id"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{gorm.Expr("status = 'pending'")}},
			DoNothing:   true,
		}).
		Clauses(clause.Returning{Columns: []clause.Column{}}).
		Create(offer).Error
	if err != nil {
		return fmt.Errorf("failed to create trade offer: %w", err)
	}

	if offer.ID == 0 {
		return domain.ErrTradeAlreadyActive
	}

	return nil
}

// GetPendingOfferForCard returns the card's pending offer
func (s *pgStore) GetPendingOfferForCard(ctx context.Context, cardID uint64) (*schema.TradeOffer, error) {
	var offer schema.TradeOffer
	err := s.db.WithContext(ctx).
		Where("card_id = ? AND status = ?", cardID, domain.TradePending).
		First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending offer: %w", err)
	}
	return &offer, nil
}

// CompleteTrade atomically accepts a pending, unexpired offer and reassigns
// ownership. The offer CAS is the mutual-exclusion point: of two concurrent
// buyers exactly one flips pending -> accepted.
func (s *pgStore) CompleteTrade(ctx context.Context, input CompleteTradeInput) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&schema.TradeOffer{}).
			Where("id = ? AND status = ? AND expires_at > ?", input.OfferID, domain.TradePending, input.Now).
			Updates(map[string]interface{}{
				"status":     domain.TradeAccepted,
				"buyer":      input.Buyer,
				"updated_at": gorm.Expr("now()"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to accept trade offer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrTradeExpired
		}

		// Owner reassignment only; usage counter and progression data are
		// keyed by chip UID elsewhere and deliberately untouched.
		res = tx.Model(&schema.PhysicalCard{}).
			Where("id = ?", input.CardID).
			Updates(map[string]interface{}{
				"owner":      input.Buyer,
				"updated_at": gorm.Expr("now()"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to reassign card owner: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrCardNotFound
		}

		return nil
	})
}

// CancelTradeOffer moves a pending offer to cancelled
func (s *pgStore) CancelTradeOffer(ctx context.Context, offerID uint64) error {
	res := s.db.WithContext(ctx).
		Model(&schema.TradeOffer{}).
		Where("id = ? AND status = ?", offerID, domain.TradePending).
		Updates(map[string]interface{}{
			"status":     domain.TradeCancelled,
			"updated_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel trade offer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTradeExpired
	}
	return nil
}

// MarkExpiredOffers flips pending offers past expiry to expired
func (s *pgStore) MarkExpiredOffers(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&schema.TradeOffer{}).
		Where("status = ? AND expires_at <= ?", domain.TradePending, now).
		Updates(map[string]interface{}{
			"status":     domain.TradeExpired,
			"updated_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark expired offers: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AppendSecurityEvent appends to the immutable event log
func (s *pgStore) AppendSecurityEvent(ctx context.Context, event *schema.SecurityEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// ListSecurityEvents queries the event log with filters and pagination
func (s *pgStore) ListSecurityEvents(ctx context.Context, filter EventFilter) ([]*schema.SecurityEvent, error) {
	q := s.db.WithContext(ctx).Model(&schema.SecurityEvent{})

	if filter.ChipUID != nil {
		q = q.Where("chip_uid = ?", *filter.ChipUID)
	}
	if filter.Device != nil {
		q = q.Where("device = ?", *filter.Device)
	}
	if filter.Kind != nil {
		q = q.Where("kind = ?", *filter.Kind)
	}

	order := "created_at DESC"
	if filter.Order == "asc" {
		order = "created_at ASC"
	}
	q = q.Order(order)

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Limit(limit).Offset(filter.Offset)

	var events []*schema.SecurityEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// RecentEventsForUID returns events of the given kinds for a UID since a cutoff
func (s *pgStore) RecentEventsForUID(ctx context.Context, uid domain.ChipUID, kinds []domain.EventKind, since time.Time) ([]*schema.SecurityEvent, error) {
	var events []*schema.SecurityEvent
	err := s.db.WithContext(ctx).
		Where("chip_uid = ? AND kind IN ? AND created_at >= ?", uid.String(), kinds, since).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return events, nil
}

// DevicesSeenForUID returns the distinct devices with a successful
// authentication for a UID
func (s *pgStore) DevicesSeenForUID(ctx context.Context, uid domain.ChipUID) ([]string, error) {
	var devices []string
	err := s.db.WithContext(ctx).
		Model(&schema.SecurityEvent{}).
		Distinct("device").
		Where("chip_uid = ? AND kind = ?", uid.String(), domain.EventAuthSuccess).
		Pluck("device", &devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get devices for uid: %w", err)
	}
	return devices, nil
}
