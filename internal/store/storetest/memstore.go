// Package storetest provides an in-memory Store implementation with the same
// compare-and-swap semantics as the PostgreSQL store, for service-level tests
// that should not need a database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
)

// MemStore is a threadsafe in-memory store.Store
type MemStore struct {
	mu sync.Mutex

	nextBatchID uint64
	nextCardID  uint64
	nextCodeID  uint64
	nextOfferID uint64

	batches map[uint64]*schema.CardBatch
	cards   map[uint64]*schema.PhysicalCard
	byUID   map[string]uint64
	codes   map[uint64]*schema.ActivationCode
	offers  map[uint64]*schema.TradeOffer
	events  []*schema.SecurityEvent
}

// New creates an empty MemStore
func New() *MemStore {
	return &MemStore{
		batches: make(map[uint64]*schema.CardBatch),
		cards:   make(map[uint64]*schema.PhysicalCard),
		byUID:   make(map[string]uint64),
		codes:   make(map[uint64]*schema.ActivationCode),
		offers:  make(map[uint64]*schema.TradeOffer),
	}
}

var _ store.Store = (*MemStore)(nil)

func (m *MemStore) CreateBatch(_ context.Context, batch *schema.CardBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBatchID++
	batch.ID = m.nextBatchID
	batch.CreatedAt = time.Now()
	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *MemStore) GetBatchByCode(_ context.Context, code string) (*schema.CardBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.batches {
		if b.BatchCode == code {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) CloseBatch(_ context.Context, batchID uint64, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok || b.ClosedAt != nil {
		return domain.ErrInvalidTransition
	}
	b.ClosedAt = &closedAt
	return nil
}

func (m *MemStore) IncrementProgrammedCount(_ context.Context, batchID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.batches[batchID]; ok {
		b.ProgrammedCount++
	}
	return nil
}

func (m *MemStore) RegisterCard(_ context.Context, card *schema.PhysicalCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byUID[card.ChipUID]; dup {
		return domain.ErrDuplicateUID
	}

	m.nextCardID++
	card.ID = m.nextCardID
	card.CreatedAt = time.Now()
	card.UpdatedAt = card.CreatedAt
	cp := *card
	m.cards[card.ID] = &cp
	m.byUID[card.ChipUID] = card.ID
	return nil
}

func (m *MemStore) GetCardByUID(_ context.Context, uid domain.ChipUID) (*schema.PhysicalCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUID[uid.String()]
	if !ok {
		return nil, nil
	}
	cp := *m.cards[id]
	return &cp, nil
}

func (m *MemStore) TransitionStatus(_ context.Context, uid domain.ChipUID, from, to domain.CardStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUID[uid.String()]
	if !ok {
		return domain.ErrInvalidTransition
	}
	card := m.cards[id]
	if card.Status != from {
		return domain.ErrInvalidTransition
	}
	card.Status = to
	card.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) IncrementUsageCount(_ context.Context, uid domain.ChipUID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUID[uid.String()]
	if !ok {
		return 0, domain.ErrCardNotFound
	}
	card := m.cards[id]
	card.UsageCount++
	return card.UsageCount, nil
}

func (m *MemStore) CreateActivationCode(_ context.Context, code *schema.ActivationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCodeID++
	code.ID = m.nextCodeID
	code.CreatedAt = time.Now()
	cp := *code
	m.codes[code.ID] = &cp
	return nil
}

func (m *MemStore) GetLatestCodeForCard(_ context.Context, cardID uint64) (*schema.ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *schema.ActivationCode
	for _, c := range m.codes {
		if c.CardID != cardID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) ActivateCard(_ context.Context, input store.ActivateCardInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, ok := m.codes[input.CodeID]
	if !ok || code.ConsumedAt != nil {
		return domain.ErrAlreadyActivated
	}
	card, ok := m.cards[input.CardID]
	if !ok || card.Status != domain.StatusSold {
		// Nothing consumed: mirrors the transactional rollback
		return domain.ErrInvalidTransition
	}

	consumed := input.ConsumedAt
	code.ConsumedAt = &consumed
	card.Status = domain.StatusActivated
	claimant := input.Claimant
	card.Owner = &claimant
	card.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) PurgeExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.codes {
		if c.ConsumedAt == nil && !c.ExpiresAt.After(now) {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CreateTradeOffer(_ context.Context, offer *schema.TradeOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.offers {
		if o.CardID == offer.CardID && o.Status == domain.TradePending {
			return domain.ErrTradeAlreadyActive
		}
	}

	m.nextOfferID++
	offer.ID = m.nextOfferID
	offer.CreatedAt = time.Now()
	offer.UpdatedAt = offer.CreatedAt
	cp := *offer
	m.offers[offer.ID] = &cp
	return nil
}

func (m *MemStore) GetPendingOfferForCard(_ context.Context, cardID uint64) (*schema.TradeOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.offers {
		if o.CardID == cardID && o.Status == domain.TradePending {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) CompleteTrade(_ context.Context, input store.CompleteTradeInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[input.OfferID]
	if !ok || offer.Status != domain.TradePending || !offer.ExpiresAt.After(input.Now) {
		return domain.ErrTradeExpired
	}
	card, ok := m.cards[input.CardID]
	if !ok {
		return domain.ErrCardNotFound
	}

	offer.Status = domain.TradeAccepted
	buyer := input.Buyer
	offer.Buyer = &buyer
	offer.UpdatedAt = time.Now()
	card.Owner = &buyer
	card.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) CancelTradeOffer(_ context.Context, offerID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok || offer.Status != domain.TradePending {
		return domain.ErrTradeExpired
	}
	offer.Status = domain.TradeCancelled
	offer.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) MarkExpiredOffers(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, o := range m.offers {
		if o.Status == domain.TradePending && !o.ExpiresAt.After(now) {
			o.Status = domain.TradeExpired
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemStore) AppendSecurityEvent(_ context.Context, event *schema.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemStore) ListSecurityEvents(_ context.Context, filter store.EventFilter) ([]*schema.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.SecurityEvent
	for _, e := range m.events {
		if filter.ChipUID != nil && (e.ChipUID == nil || *e.ChipUID != *filter.ChipUID) {
			continue
		}
		if filter.Device != nil && e.Device != *filter.Device {
			continue
		}
		if filter.Kind != nil && e.Kind != *filter.Kind {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}

	asc := filter.Order == "asc"
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) RecentEventsForUID(_ context.Context, uid domain.ChipUID, kinds []domain.EventKind, since time.Time) ([]*schema.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kindSet := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var out []*schema.SecurityEvent
	for _, e := range m.events {
		if e.ChipUID == nil || *e.ChipUID != uid.String() {
			continue
		}
		if !kindSet[e.Kind] || e.CreatedAt.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) DevicesSeenForUID(_ context.Context, uid domain.ChipUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range m.events {
		if e.ChipUID == nil || *e.ChipUID != uid.String() || e.Kind != domain.EventAuthSuccess {
			continue
		}
		if !seen[e.Device] {
			seen[e.Device] = true
			out = append(out, e.Device)
		}
	}
	return out, nil
}
