package telemetry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/store/storetest"
	"github.com/radiant-tcg/cardtrust/internal/telemetry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                        { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration       { return c.now.Sub(t) }
func (c *fakeClock) Sleep(time.Duration)                   {}
func (c *fakeClock) After(time.Duration) <-chan time.Time  { return nil }

type capturingPublisher struct {
	mu     sync.Mutex
	alerts []*domain.SecurityAlert
}

func (p *capturingPublisher) PublishAlert(_ context.Context, alert *domain.SecurityAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *capturingPublisher) Close() {}

func (p *capturingPublisher) snapshot() []*domain.SecurityAlert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.SecurityAlert(nil), p.alerts...)
}

func TestRecorder_Record(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := storetest.New()
	pub := &capturingPublisher{}
	recorder := telemetry.NewRecorder(mem, pub, nil, clock)

	cardID := uint64(7)
	record, err := recorder.Record(ctx, telemetry.Event{
		CardID:   &cardID,
		ChipUID:  "04AABBCCDDEE80",
		Kind:     domain.EventAuthSuccess,
		Device:   "reader-1",
		Severity: domain.SeverityInfo,
		Context:  map[string]interface{}{"usage_count": 3},
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	// Assigned ID is a valid ULID carrying the record timestamp
	id, err := ulid.Parse(record.ID)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(clock.now), id.Time())

	// Persisted before fan-out
	events, err := mem.ListSecurityEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, record.ID, events[0].ID)
	require.NotNil(t, events[0].ChipUID)
	assert.Equal(t, "04AABBCCDDEE80", *events[0].ChipUID)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Context, &parsed))
	assert.Equal(t, float64(3), parsed["usage_count"])

	// Published to the broker, asynchronously
	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	alerts := pub.snapshot()
	assert.Equal(t, record.ID, alerts[0].ID)
	assert.Equal(t, domain.EventAuthSuccess, alerts[0].Kind)
	assert.Equal(t, "04AABBCCDDEE80", alerts[0].ChipUID)
}

// blockingPublisher parks every publish until released
type blockingPublisher struct {
	release   chan struct{}
	published chan struct{}
}

func (p *blockingPublisher) PublishAlert(_ context.Context, _ *domain.SecurityAlert) error {
	<-p.release
	close(p.published)
	return nil
}

func (p *blockingPublisher) Close() {}

func TestRecorder_RecordDoesNotWaitForFanout(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := storetest.New()
	pub := &blockingPublisher{release: make(chan struct{}), published: make(chan struct{})}
	recorder := telemetry.NewRecorder(mem, pub, nil, clock)

	record, err := recorder.Record(ctx, telemetry.Event{
		ChipUID:  "04AABBCCDDEE80",
		Kind:     domain.EventCloneSuspected,
		Device:   "reader-1",
		Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	// Record returned while the broker is still stuck; the event is durable
	select {
	case <-pub.published:
		t.Fatal("publish finished before it was released")
	default:
	}
	events, err := mem.ListSecurityEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	close(pub.release)
	select {
	case <-pub.published:
	case <-time.After(time.Second):
		t.Fatal("publish never completed after release")
	}
}

func TestRecorder_RecordWithoutPublisher(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := storetest.New()
	recorder := telemetry.NewRecorder(mem, nil, nil, clock)

	record, err := recorder.Record(ctx, telemetry.Event{
		ChipUID:  "04AABBCCDDEE80",
		Kind:     domain.EventAuthFailure,
		Device:   "reader-1",
		Severity: domain.SeverityElevated,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
}

func TestRecorder_EvaluateCloneSignal(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("burst of failures raises clone_suspected", func(t *testing.T) {
		mem := storetest.New()
		pub := &capturingPublisher{}
		recorder := telemetry.NewRecorder(mem, pub, nil, clock)

		card := &schema.PhysicalCard{
			ChipUID: "04AABBCCDDEE80",
			SKU:     "RAD-S1-DRAGON",
			Status:  domain.StatusActivated,
		}
		require.NoError(t, mem.RegisterCard(ctx, card))

		uid := domain.ChipUID("04AABBCCDDEE80")
		for i := 0; i < telemetry.FailureThreshold; i++ {
			_, err := recorder.Record(ctx, telemetry.Event{
				CardID:   &card.ID,
				ChipUID:  uid.String(),
				Kind:     domain.EventAuthFailure,
				Device:   "reader-1",
				Severity: domain.SeverityElevated,
			})
			require.NoError(t, err)
		}

		signal, err := recorder.EvaluateCloneSignal(ctx, card, uid, "reader-1")
		require.NoError(t, err)
		assert.True(t, signal.Suspected)

		kind := domain.EventCloneSuspected
		events, err := mem.ListSecurityEvents(ctx, store.EventFilter{Kind: &kind})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.SeverityHigh, events[0].Severity)

		var ctxData map[string]interface{}
		require.NoError(t, json.Unmarshal(events[0].Context, &ctxData))
		assert.Equal(t, float64(telemetry.FailureThreshold), ctxData["failure_count"])
	})

	t.Run("stale failures outside the window are ignored", func(t *testing.T) {
		mem := storetest.New()
		recorder := telemetry.NewRecorder(mem, nil, nil, clock)

		uid := domain.ChipUID("04AABBCCDDEE91")
		stale := clock.now.Add(-telemetry.FailureWindow - time.Minute)
		for i := 0; i < telemetry.FailureThreshold; i++ {
			uidStr := uid.String()
			require.NoError(t, mem.AppendSecurityEvent(ctx, &schema.SecurityEvent{
				ID:        ulid.MustNew(ulid.Timestamp(stale), ulid.DefaultEntropy()).String(),
				ChipUID:   &uidStr,
				Kind:      domain.EventAuthFailure,
				Device:    "reader-1",
				Severity:  domain.SeverityElevated,
				CreatedAt: stale,
			}))
		}

		signal, err := recorder.EvaluateCloneSignal(ctx, nil, uid, "reader-1")
		require.NoError(t, err)
		assert.False(t, signal.Suspected)

		kind := domain.EventCloneSuspected
		events, err := mem.ListSecurityEvents(ctx, store.EventFilter{Kind: &kind})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
