package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/radiant-tcg/cardtrust/internal/logger"
)

const (
	// maxResponseBody caps how much of the endpoint response we keep
	maxResponseBody = 4 * 1024

	deliveryTimeout = 10 * time.Second
	maxRetryElapsed = 2 * time.Minute
)

// Deliverer posts signed security events to a configured endpoint
type Deliverer struct {
	endpoint  string
	hexSecret string
	client    *http.Client
}

// NewDeliverer creates a webhook deliverer. An empty endpoint disables delivery.
func NewDeliverer(endpoint, hexSecret string) *Deliverer {
	return &Deliverer{
		endpoint:  endpoint,
		hexSecret: hexSecret,
		client:    &http.Client{Timeout: deliveryTimeout},
	}
}

// Enabled reports whether an endpoint is configured
func (d *Deliverer) Enabled() bool {
	return d != nil && d.endpoint != ""
}

// Deliver signs and posts the event, retrying transient failures with
// exponential backoff. Returns the last delivery result.
func (d *Deliverer) Deliver(ctx context.Context, event WebhookEvent) (*DeliveryResult, error) {
	if !d.Enabled() {
		return nil, nil
	}

	payload, signature, timestamp, err := GenerateSignedPayload(d.hexSecret, event)
	if err != nil {
		return nil, fmt.Errorf("failed to sign webhook payload: %w", err)
	}

	var result *DeliveryResult
	operation := func() error {
		result = d.post(ctx, payload, signature, timestamp)
		if result.Success {
			return nil
		}
		// 4xx responses are permanent; retrying will not change the outcome
		if result.StatusCode >= 400 && result.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("webhook rejected with status %d", result.StatusCode))
		}
		return fmt.Errorf("webhook delivery failed: %s", result.Error)
	}

	policy := backoff.WithContext(newBackoff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		logger.Error(err,
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType))
		return result, err
	}

	return result, nil
}

func (d *Deliverer) post(ctx context.Context, payload []byte, signature string, timestamp int64) *DeliveryResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cardtrust-Signature", signature)
	req.Header.Set("X-Cardtrust-Timestamp", strconv.FormatInt(timestamp, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryResult{Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := &DeliveryResult{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = maxRetryElapsed
	return b
}
