package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/radiant-tcg/cardtrust/internal/adapter"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 10

	// staleAfter is how long an idle client keeps its bucket before eviction
	staleAfter = 10 * time.Minute

	// sweepThreshold is how many tracked clients trigger a lazy sweep
	sweepThreshold = 10000
)

// Config holds the rate limiter configuration
type Config struct {
	// RequestsPerSecond is the sustained per-client rate
	RequestsPerSecond float64
	// Burst is the per-client burst allowance
	Burst int
}

// Limiter applies per-client token buckets to the authentication endpoints.
// A clone rig hammering challenges from one address runs out of tokens long
// before the clone-detection window fills; legitimate readers never notice.
// Clients are keyed by IP plus the card UID under authentication.
type Limiter struct {
	config Config
	clock  adapter.Clock

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a per-client rate limiter. Zero config values fall back
// to defaults.
func NewLimiter(cfg Config, clock adapter.Clock) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &Limiter{
		config:  cfg,
		clock:   clock,
		clients: make(map[string]*client),
	}
}

// Allow reports whether the client identified by key may proceed
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.clients) > sweepThreshold {
		l.sweepLocked(now)
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	return c.limiter.Allow()
}

// sweepLocked drops buckets that have been idle long enough to refill anyway
func (l *Limiter) sweepLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, key)
		}
	}
}

// Middleware returns a gin middleware enforcing the limiter. A nil limiter
// disables rate limiting.
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}

		key := c.ClientIP() + "|" + c.Param("uid")
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Too many requests",
				},
			})
			return
		}

		c.Next()
	}
}
