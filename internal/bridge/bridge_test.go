package bridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
	"github.com/radiant-tcg/cardtrust/internal/bridge"
	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/logger"
	"github.com/radiant-tcg/cardtrust/internal/webhook"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) LastError() error     { return nil }
func (c *fakeConn) ConnectedUrl() string { return "nats://fake:4222" }

type fakeConsumeContext struct{}

func (f *fakeConsumeContext) Stop()                   {}
func (f *fakeConsumeContext) Drain()                  {}
func (f *fakeConsumeContext) Closed() <-chan struct{} { return nil }

type fakeConsumer struct {
	durable string

	mu      sync.Mutex
	handler adapter.MessageHandler
}

func (c *fakeConsumer) Consume(handler adapter.MessageHandler, _ ...jetstream.PullConsumeOpt) (adapter.ConsumeContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return &fakeConsumeContext{}, nil
}

func (c *fakeConsumer) Info(_ context.Context) (*jetstream.ConsumerInfo, error) {
	return &jetstream.ConsumerInfo{Name: c.durable}, nil
}

// push delivers a message once the bridge has subscribed
func (c *fakeConsumer) push(t *testing.T, msg adapter.Message) {
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.handler != nil
	}, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(msg)
}

type fakeJetStream struct {
	consumer *fakeConsumer

	mu             sync.Mutex
	consumerConfig jetstream.ConsumerConfig
}

func (js *fakeJetStream) Publish(_ context.Context, _ string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return nil, nil
}

func (js *fakeJetStream) CreateOrUpdateStream(_ context.Context, _ jetstream.StreamConfig) error {
	return nil
}

func (js *fakeJetStream) CreateOrUpdateConsumer(_ context.Context, _ string, cfg jetstream.ConsumerConfig) (adapter.Consumer, error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.consumerConfig = cfg
	js.consumer.durable = cfg.Durable
	return js.consumer, nil
}

type fakeNatsJetStream struct {
	conn *fakeConn
	js   *fakeJetStream
}

func (f *fakeNatsJetStream) Connect(_ string, _ ...nats.Option) (adapter.NatsConn, adapter.JetStream, error) {
	return f.conn, f.js, nil
}

type fakeMessage struct {
	data []byte

	mu     sync.Mutex
	acked  bool
	naked  bool
	termed bool
}

func (m *fakeMessage) Data() []byte { return m.data }

func (m *fakeMessage) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 1}, nil
}

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *fakeMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *fakeMessage) state() (acked, naked, termed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked, m.termed
}

func marshalAlert(t *testing.T, alert *domain.SecurityAlert) []byte {
	data, err := json.Marshal(alert)
	require.NoError(t, err)
	return data
}

func startBridge(t *testing.T, endpoint string) (*fakeNatsJetStream, context.CancelFunc, chan error) {
	fake := &fakeNatsJetStream{
		conn: &fakeConn{},
		js:   &fakeJetStream{consumer: &fakeConsumer{}},
	}

	b, err := bridge.NewBridge(bridge.Config{
		URL:            "nats://fake:4222",
		StreamName:     "SECURITY_EVENTS",
		ConsumerName:   "alert-bridge",
		AckWaitTimeout: 30 * time.Second,
		MaxDeliver:     3,
	}, fake, webhook.NewDeliverer(endpoint, "6b6579"), adapter.NewJSON())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	return fake, cancel, errCh
}

func TestBridge_DeliversAndAcks(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhook.WebhookEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event webhook.WebhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		assert.NotEmpty(t, r.Header.Get("X-Cardtrust-Signature"))

		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fake, cancel, errCh := startBridge(t, srv.URL)
	defer cancel()

	msg := &fakeMessage{data: marshalAlert(t, &domain.SecurityAlert{
		ID:       "01JABCDEF000000000000000AA",
		ChipUID:  "04AA3AB2C1800001",
		Kind:     domain.EventCloneSuspected,
		Device:   "reader-7",
		Severity: domain.SeverityHigh,
		Context:  map[string]interface{}{"reason": "distinct_devices"},
	})}
	fake.js.consumer.push(t, msg)

	require.Eventually(t, func() bool {
		acked, _, _ := msg.state()
		return acked
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, webhook.EventTypeCloneSuspected, received[0].EventType)
	assert.Equal(t, "04AA3AB2C1800001", received[0].Data.ChipUID)
	assert.Equal(t, "distinct_devices", received[0].Data.Reason)

	// Consumer should only see high-severity subjects
	fake.js.mu.Lock()
	assert.Equal(t, "security.high.>", fake.js.consumerConfig.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, fake.js.consumerConfig.AckPolicy)
	fake.js.mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridge_TerminatesUnparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("endpoint should not be called for unparseable messages")
	}))
	defer srv.Close()

	fake, cancel, _ := startBridge(t, srv.URL)
	defer cancel()

	msg := &fakeMessage{data: []byte("{not json")}
	fake.js.consumer.push(t, msg)

	require.Eventually(t, func() bool {
		_, _, termed := msg.state()
		return termed
	}, time.Second, 5*time.Millisecond)

	acked, naked, _ := msg.state()
	assert.False(t, acked)
	assert.False(t, naked)
}

func TestBridge_NacksOnRejectedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 4xx is permanent: the deliverer gives up instead of retrying
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	fake, cancel, _ := startBridge(t, srv.URL)
	defer cancel()

	msg := &fakeMessage{data: marshalAlert(t, &domain.SecurityAlert{
		ID:       "01JABCDEF000000000000000AB",
		ChipUID:  "04AA3AB2C1800002",
		Kind:     domain.EventReplaySuspect,
		Severity: domain.SeverityHigh,
	})}
	fake.js.consumer.push(t, msg)

	require.Eventually(t, func() bool {
		_, naked, _ := msg.state()
		return naked
	}, time.Second, 5*time.Millisecond)

	acked, _, _ := msg.state()
	assert.False(t, acked)
}
