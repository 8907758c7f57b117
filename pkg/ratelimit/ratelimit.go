package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vnykmshr/lbucket/pkg/common/clock"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

// DefaultIdleTTL is how long an unused client keeps its limiter.
const DefaultIdleTTL = 5 * time.Minute

// Config holds configuration for a ClientLimiter.
type Config struct {
	// Rate is the sustained requests per second per client. Zero disables
	// limiting.
	Rate float64

	// Burst is the bucket capacity. Required when Rate is set.
	Burst int

	// IdleTTL is how long an idle client stays tracked. Defaults to 5m.
	IdleTTL time.Duration

	Clock clock.Clock

	// OnFirstDenied is called once per tracked client, the first time it
	// is denied. Use it for logging; every denial is counted in Metrics.
	OnFirstDenied func(client string)

	Metrics *metrics.Registry
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	logged   bool
}

// ClientLimiter holds one token bucket per client. It is safe for
// concurrent use.
type ClientLimiter struct {
	config Config
	clock  clock.Clock

	mu      sync.Mutex
	clients map[string]*client
}

// New creates a ClientLimiter.
func New(config Config) (*ClientLimiter, error) {
	if config.Rate < 0 {
		return nil, lberrors.NewValidationError("ratelimit", "rate", config.Rate, "must be non-negative")
	}
	if config.Rate > 0 {
		if err := validation.ValidatePositive("ratelimit", "burst", int64(config.Burst)); err != nil {
			return nil, err
		}
	}
	if config.IdleTTL == 0 {
		config.IdleTTL = DefaultIdleTTL
	}
	if err := validation.ValidatePositiveDuration("ratelimit", "idle_ttl", config.IdleTTL); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}

	return &ClientLimiter{
		config:  config,
		clock:   clock.OrSystem(config.Clock),
		clients: make(map[string]*client),
	}, nil
}

// Enabled reports whether the limiter rejects anything at all.
func (l *ClientLimiter) Enabled() bool {
	return l.config.Rate > 0
}

// Allow reports whether one request from id may proceed now.
func (l *ClientLimiter) Allow(id string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	c, ok := l.clients[id]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)}
		l.clients[id] = c
		l.config.Metrics.RateLimitClients.Set(float64(len(l.clients)))
	}
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)
	first := !allowed && !c.logged
	if first {
		c.logged = true
	}
	l.mu.Unlock()

	if !allowed {
		l.config.Metrics.RateLimitDenied.Inc()
		if first && l.config.OnFirstDenied != nil {
			l.config.OnFirstDenied(id)
		}
	}
	return allowed
}

// Evict drops clients idle for longer than IdleTTL and returns how many it
// dropped.
func (l *ClientLimiter) Evict() int {
	cutoff := l.clock.Now().Add(-l.config.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			n++
		}
	}
	l.config.Metrics.RateLimitClients.Set(float64(len(l.clients)))
	return n
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
