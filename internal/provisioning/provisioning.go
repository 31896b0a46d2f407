// Package provisioning turns a manufacturing manifest of chip UIDs into
// registered cards: batch bookkeeping, per-chip key derivation, and bulk
// registration on a worker pool.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/keyvault"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/metrics"
	"github.com/radiant-tcg/cardtrust/internal/registry"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

const defaultPoolSize = 20

// ManifestEntry describes one chip in a manufacturing manifest
type ManifestEntry struct {
	UID          string              `json:"uid"`
	SerialNumber string              `json:"serial_number"`
	Tier         domain.SecurityTier `json:"tier,omitempty"`
}

// Manifest is the manufacturing report for one batch
type Manifest struct {
	BatchCode     string          `json:"batch_code"`
	SKU           domain.SKU      `json:"sku"`
	DeclaredCount int             `json:"declared_count"`
	ProducedAt    time.Time       `json:"produced_at"`
	Entries       []ManifestEntry `json:"entries"`
}

// EntryError reports a single chip that could not be provisioned
type EntryError struct {
	UID string
	Err error
}

// Result summarizes a bulk provisioning run
type Result struct {
	BatchID    uint64
	Registered int
	Duplicates []string
	Failures   []EntryError
}

// Service implements batch provisioning
type Service struct {
	store    store.Store
	registry *registry.Service
	catalog  registry.CatalogLookup
	deriver  *keyvault.Deriver
	poolSize int
}

// NewService creates a provisioning service. poolSize <= 0 selects the default.
func NewService(s store.Store, reg *registry.Service, catalog registry.CatalogLookup, deriver *keyvault.Deriver, poolSize int) *Service {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &Service{
		store:    s,
		registry: reg,
		catalog:  catalog,
		deriver:  deriver,
		poolSize: poolSize,
	}
}

// CreateBatch records a new manufacturing run. The SKU is validated against
// the catalog here, once per batch, not per chip.
func (s *Service) CreateBatch(ctx context.Context, code string, sku domain.SKU, declaredCount int, producedAt time.Time) (*schema.CardBatch, error) {
	if code == "" {
		return nil, fmt.Errorf("batch code is required: %w", domain.ErrCardInvalid)
	}
	if !sku.Valid() {
		return nil, fmt.Errorf("SKU %q: %w", sku, domain.ErrCardInvalid)
	}
	if err := s.catalog.ValidateSKU(ctx, sku); err != nil {
		return nil, err
	}

	existing, err := s.store.GetBatchByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to check batch code: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("batch %q already exists: %w", code, domain.ErrInvalidTransition)
	}

	batch := &schema.CardBatch{
		BatchCode:     code,
		SKU:           sku,
		DeclaredCount: declaredCount,
		ProducedAt:    producedAt,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return batch, nil
}

// CloseBatch closes a run. A closed batch only accepts programmed-count bumps.
func (s *Service) CloseBatch(ctx context.Context, code string, closedAt time.Time) error {
	batch, err := s.store.GetBatchByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch == nil {
		return fmt.Errorf("batch %q: %w", code, domain.ErrCardNotFound)
	}
	return s.store.CloseBatch(ctx, batch.ID, closedAt)
}

// ProvisionBatch registers every chip in the manifest on a worker pool.
// Duplicate UIDs are reported in the result, never retried: a duplicate during
// provisioning is the first clone signal, not a transient failure.
func (s *Service) ProvisionBatch(ctx context.Context, manifest *Manifest) (*Result, error) {
	if len(manifest.Entries) == 0 {
		return nil, fmt.Errorf("manifest has no entries: %w", domain.ErrCardInvalid)
	}

	batch, err := s.store.GetBatchByCode(ctx, manifest.BatchCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if batch == nil {
		batch, err = s.CreateBatch(ctx, manifest.BatchCode, manifest.SKU, manifest.DeclaredCount, manifest.ProducedAt)
		if err != nil {
			return nil, err
		}
	} else if batch.SKU != manifest.SKU {
		return nil, fmt.Errorf("batch %q is for SKU %q, manifest says %q: %w",
			manifest.BatchCode, batch.SKU, manifest.SKU, domain.ErrCardInvalid)
	}

	result := &Result{BatchID: batch.ID}
	var mu sync.Mutex

	pool := pond.NewPool(s.poolSize)
	for _, entry := range manifest.Entries {
		entry := entry
		pool.Submit(func() {
			err := s.provisionOne(ctx, batch, manifest.SKU, entry)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Registered++
			case errors.Is(err, domain.ErrDuplicateUID):
				result.Duplicates = append(result.Duplicates, entry.UID)
			default:
				result.Failures = append(result.Failures, EntryError{UID: entry.UID, Err: err})
			}
		})
	}
	pool.StopAndWait()

	logger.Info("batch provisioning finished",
		zap.String("batch_code", manifest.BatchCode),
		zap.Int("registered", result.Registered),
		zap.Int("duplicates", len(result.Duplicates)),
		zap.Int("failures", len(result.Failures)))

	return result, nil
}

func (s *Service) provisionOne(ctx context.Context, batch *schema.CardBatch, sku domain.SKU, entry ManifestEntry) error {
	uid := domain.NormalizeChipUID(entry.UID)
	if !uid.Valid() {
		return fmt.Errorf("chip UID %q: %w", entry.UID, domain.ErrCardInvalid)
	}

	keyRef, err := s.deriver.KeyRef(uid, sku)
	if err != nil {
		return fmt.Errorf("failed to derive key reference: %w", err)
	}

	if _, err := s.registry.Register(ctx, registry.RegisterInput{
		UID:          uid,
		SKU:          sku,
		BatchID:      batch.ID,
		SerialNumber: entry.SerialNumber,
		KeyRef:       keyRef,
		Tier:         entry.Tier,
	}); err != nil {
		return err
	}

	if err := s.store.IncrementProgrammedCount(ctx, batch.ID); err != nil {
		logger.Error(err, zap.String("chip_uid", uid.String()))
	}
	metrics.CardsProvisioned.Inc()

	return nil
}
