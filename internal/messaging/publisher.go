package messaging

import (
	"context"

	"github.com/radiant-tcg/cardtrust/internal/domain"
)

// Publisher defines the interface for publishing security alerts to the
// message broker
type Publisher interface {
	// PublishAlert publishes a security alert to the message broker
	PublishAlert(ctx context.Context, alert *domain.SecurityAlert) error
	// Close closes the connection
	Close()
}
