package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/messaging"
	"github.com/radiant-tcg/cardtrust/internal/store"
	"github.com/radiant-tcg/cardtrust/internal/store/schema"
	"github.com/radiant-tcg/cardtrust/internal/webhook"
)

const (
	publishMaxElapsed = 30 * time.Second
	// fanoutTimeout bounds one event's broker publish plus webhook delivery
	fanoutTimeout = 3 * time.Minute
)

// Event is the input for recording one security event
type Event struct {
	CardID   *uint64
	ChipUID  string
	Kind     domain.EventKind
	Device   domain.DeviceRef
	Severity domain.Severity
	Context  map[string]interface{}
}

// Recorder appends security events to the immutable log, then fans them out
// to the message broker and, for high-severity events, the admin webhook.
// Persistence always happens before any publish attempt; a persisted event is
// never lost to a broker outage.
type Recorder struct {
	store     store.Store
	publisher messaging.Publisher
	deliverer *webhook.Deliverer
	clock     adapter.Clock
}

// NewRecorder creates a Recorder. publisher and deliverer may be nil, which
// disables the corresponding fan-out.
func NewRecorder(s store.Store, publisher messaging.Publisher, deliverer *webhook.Deliverer, clock adapter.Clock) *Recorder {
	return &Recorder{
		store:     s,
		publisher: publisher,
		deliverer: deliverer,
		clock:     clock,
	}
}

// Record appends the event to the log and fans it out. The returned event
// carries the assigned ULID. Fan-out runs asynchronously so a broker outage or
// a slow webhook endpoint never stalls the caller, and its failures are
// logged, not returned: the append is the source of truth.
func (r *Recorder) Record(ctx context.Context, event Event) (*schema.SecurityEvent, error) {
	now := r.clock.Now()

	var contextJSON datatypes.JSON
	if event.Context != nil {
		data, err := json.Marshal(event.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event context: %w", err)
		}
		contextJSON = datatypes.JSON(data)
	}

	record := &schema.SecurityEvent{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		CardID:    event.CardID,
		Kind:      event.Kind,
		Device:    string(event.Device),
		Severity:  event.Severity,
		Context:   contextJSON,
		CreatedAt: now,
	}
	if event.ChipUID != "" {
		uid := event.ChipUID
		record.ChipUID = &uid
	}

	if err := r.store.AppendSecurityEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append security event: %w", err)
	}

	if r.publisher != nil || r.deliverer.Enabled() {
		// Detached from the request context: the event is already durable and
		// fan-out must survive the caller's cancellation
		fanoutCtx := context.WithoutCancel(ctx)
		go func() {
			ctx, cancel := context.WithTimeout(fanoutCtx, fanoutTimeout)
			defer cancel()
			r.publish(ctx, record)
			r.alert(ctx, record)
		}()
	}

	return record, nil
}

// EvaluateCloneSignal runs the clone-detection rule for a UID after an
// authentication failure and records a clone_suspected event when it trips.
// The triggering failure must already be recorded.
func (r *Recorder) EvaluateCloneSignal(ctx context.Context, card *schema.PhysicalCard, uid domain.ChipUID, device domain.DeviceRef) (CloneSignal, error) {
	since := r.clock.Now().Add(-FailureWindow)

	window, err := r.store.RecentEventsForUID(ctx, uid, []domain.EventKind{domain.EventAuthFailure}, since)
	if err != nil {
		return CloneSignal{}, fmt.Errorf("failed to load failure window: %w", err)
	}

	knownDevices, err := r.store.DevicesSeenForUID(ctx, uid)
	if err != nil {
		return CloneSignal{}, fmt.Errorf("failed to load known devices: %w", err)
	}

	signal := SuspectClone(window, knownDevices, card, device)
	if !signal.Suspected {
		return signal, nil
	}

	var cardID *uint64
	if card != nil {
		id := card.ID
		cardID = &id
	}

	_, err = r.Record(ctx, Event{
		CardID:   cardID,
		ChipUID:  uid.String(),
		Kind:     domain.EventCloneSuspected,
		Device:   device,
		Severity: domain.SeverityHigh,
		Context: map[string]interface{}{
			"reason":        signal.Reason,
			"failure_count": signal.FailureCount,
			"device_count":  signal.DeviceCount,
		},
	})
	if err != nil {
		// Never drop a clone suspicion silently
		return signal, fmt.Errorf("failed to record clone suspicion: %w", err)
	}

	return signal, nil
}

// publish sends the event to the broker with bounded retries
func (r *Recorder) publish(ctx context.Context, record *schema.SecurityEvent) {
	if r.publisher == nil {
		return
	}

	alert := toAlert(record)
	operation := func() error {
		return r.publisher.PublishAlert(ctx, alert)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = publishMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		logger.Error(err,
			zap.String("event_id", record.ID),
			zap.String("kind", string(record.Kind)))
	}
}

// alert delivers high-severity events to the admin webhook
func (r *Recorder) alert(ctx context.Context, record *schema.SecurityEvent) {
	if !r.deliverer.Enabled() || record.Severity != domain.SeverityHigh {
		return
	}

	uid := ""
	if record.ChipUID != nil {
		uid = *record.ChipUID
	}

	eventType := webhook.EventTypeCloneSuspected
	switch record.Kind {
	case domain.EventReplaySuspect:
		eventType = webhook.EventTypeReplaySuspected
	case domain.EventStatusChanged:
		eventType = webhook.EventTypeCardSuspended
	}

	reason := ""
	if len(record.Context) > 0 {
		var parsed struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(record.Context, &parsed); err == nil {
			reason = parsed.Reason
		}
	}

	if _, err := r.deliverer.Deliver(ctx, webhook.WebhookEvent{
		EventID:   record.ID,
		EventType: eventType,
		Timestamp: record.CreatedAt,
		Data: webhook.EventData{
			ChipUID:  uid,
			Device:   record.Device,
			Severity: string(record.Severity),
			Reason:   reason,
		},
	}); err != nil {
		logger.Error(err, zap.String("event_id", record.ID))
	}
}

func toAlert(record *schema.SecurityEvent) *domain.SecurityAlert {
	alert := &domain.SecurityAlert{
		ID:         record.ID,
		Kind:       record.Kind,
		Device:     record.Device,
		Severity:   record.Severity,
		OccurredAt: record.CreatedAt,
	}
	if record.ChipUID != nil {
		alert.ChipUID = *record.ChipUID
	}
	if len(record.Context) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(record.Context, &parsed); err == nil {
			alert.Context = parsed
		}
	}
	return alert
}
