package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/webhook"
)

// Config holds the configuration for the alert bridge
type Config struct {
	URL            string
	StreamName     string
	ConsumerName   string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
	AckWaitTimeout time.Duration
	MaxDeliver     int
}

// Bridge consumes security alerts from the message broker and forwards them
// to the configured webhook endpoint. It decouples outbound delivery from the
// API process: deployments that set a webhook endpoint here should leave it
// unset on the API server to avoid double delivery.
type Bridge interface {
	// Run starts the alert bridge
	Run(ctx context.Context) error
	// Close closes the bridge and cleans up resources
	Close()
}

type bridge struct {
	nc        adapter.NatsConn
	js        adapter.JetStream
	deliverer *webhook.Deliverer
	json      adapter.JSON
	config    Config
}

// NewBridge creates a new alert bridge
func NewBridge(
	cfg Config,
	natsJS adapter.NatsJetStream,
	deliverer *webhook.Deliverer,
	jsonAdapter adapter.JSON,
) (Bridge, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	return &bridge{
		nc:        nc,
		js:        js,
		deliverer: deliverer,
		json:      jsonAdapter,
		config:    cfg,
	}, nil
}

// Run starts the alert bridge
func (b *bridge) Run(ctx context.Context) error {
	logger.Info("Starting alert bridge",
		zap.String("stream", b.config.StreamName),
		zap.String("consumer", b.config.ConsumerName))

	// Only high-severity alerts are worth an outbound call
	subject := "security.high.>"

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       b.config.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWaitTimeout,
		MaxDeliver:    b.config.MaxDeliver,
		FilterSubject: subject,
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	consumerInfo, err := consumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}
	logger.Info("Consumer created/retrieved", zap.String("consumer", consumerInfo.Name))

	msgChan := make(chan adapter.Message, 100)
	sub, err := consumer.Consume(func(msg adapter.Message) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer sub.Stop()

	logger.Info("Started consuming alerts")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down alert bridge")
			return ctx.Err()
		case msg := <-msgChan:
			b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage forwards a single alert to the webhook endpoint. The message
// is acked only after the endpoint accepted the delivery, so a crashed bridge
// redelivers rather than drops.
func (b *bridge) handleMessage(ctx context.Context, msg adapter.Message) {
	metadata, _ := msg.Metadata()

	var alert domain.SecurityAlert
	if err := b.json.Unmarshal(msg.Data(), &alert); err != nil {
		logger.Error(err, zap.String("message", "Failed to unmarshal alert"))
		// Terminate message for unparseable data
		if err := msg.Term(); err != nil {
			logger.Error(err, zap.String("message", "Failed to terminate message"))
		}
		return
	}

	var deliveryCount uint64
	if metadata != nil {
		deliveryCount = metadata.NumDelivered
	}
	logger.Info("Received alert",
		zap.String("id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("chip_uid", alert.ChipUID),
		zap.Uint64("delivery_count", deliveryCount),
	)

	if _, err := b.deliverer.Deliver(ctx, toWebhookEvent(&alert)); err != nil {
		logger.Error(err, zap.String("id", alert.ID))
		if err := msg.Nak(); err != nil {
			logger.Error(err, zap.String("message", "Failed to nack message"))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		logger.Error(err, zap.String("message", "Failed to ack message"))
	}
}

// toWebhookEvent maps a broker alert onto the outbound webhook shape
func toWebhookEvent(alert *domain.SecurityAlert) webhook.WebhookEvent {
	eventType := webhook.EventTypeCloneSuspected
	switch alert.Kind {
	case domain.EventReplaySuspect:
		eventType = webhook.EventTypeReplaySuspected
	case domain.EventStatusChanged:
		eventType = webhook.EventTypeCardSuspended
	}

	reason := ""
	if r, ok := alert.Context["reason"].(string); ok {
		reason = r
	}

	return webhook.WebhookEvent{
		EventID:   alert.ID,
		EventType: eventType,
		Timestamp: alert.OccurredAt,
		Data: webhook.EventData{
			ChipUID:  alert.ChipUID,
			Device:   alert.Device,
			Severity: string(alert.Severity),
			Reason:   reason,
		},
	}
}

// Close closes the NATS connection
func (b *bridge) Close() {
	if b.nc == nil {
		return
	}
	b.nc.Close()
}
