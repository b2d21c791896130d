package fetcher

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the per-host circuit breakers. A disabled
// config means every URL is always attempted.
type BreakerConfig struct {
	Enabled bool

	// FailureThreshold is the number of consecutive failures that opens a host's breaker.
	FailureThreshold uint

	// Timeout is how long an open breaker rejects requests before letting one probe through.
	Timeout time.Duration
}

type breakers struct {
	cfg BreakerConfig

	mu     sync.Mutex
	byHost map[string]*gobreaker.CircuitBreaker[[]byte]
}

func newBreakers(cfg BreakerConfig) *breakers {
	if !cfg.Enabled {
		return nil
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	return &breakers{cfg: cfg, byHost: make(map[string]*gobreaker.CircuitBreaker[[]byte])}
}

func (b *breakers) forURL(raw string) *gobreaker.CircuitBreaker[[]byte] {
	if b == nil {
		return nil
	}
	host := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Host
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byHost[host]
	if !ok {
		threshold := uint32(b.cfg.FailureThreshold)
		cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    host,
			Timeout: b.cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		b.byHost[host] = cb
	}
	return cb
}

// execute runs fn through the host breaker, if any.
func execute(cb *gobreaker.CircuitBreaker[[]byte], fn func() ([]byte, error)) ([]byte, error) {
	if cb == nil {
		return fn()
	}
	body, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return body, err
}
