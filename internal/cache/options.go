package cache

import (
	"fmt"
	"time"

	"github.com/voyagen/mayotv/internal/logger"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxEntries    = 1000
	DefaultMaxSizeBytes  = 50 * 1024 * 1024
	DefaultNamespace     = "mayo-cache-"
	DefaultSweepInterval = 5 * time.Minute
)

type setOptions struct {
	ttl          time.Duration
	maxEntries   int
	maxSizeBytes int64
	persist      bool
}

// SetOption tunes a single Set call.
type SetOption func(*setOptions)

func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithMaxEntries(n int) SetOption {
	return func(o *setOptions) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

func WithMaxSizeBytes(n int64) SetOption {
	return func(o *setOptions) {
		if n > 0 {
			o.maxSizeBytes = n
		}
	}
}

// WithoutPersist keeps the entry in memory only.
func WithoutPersist() SetOption {
	return func(o *setOptions) { o.persist = false }
}

type storeConfig struct {
	name          string
	namespace     string
	durable       Durable
	defaults      setOptions
	validate      func(any) error
	singleFlight  bool
	log           logger.Logger
	now           func() time.Time
	sweepInterval time.Duration
}

// Option configures a Store.
type Option func(*storeConfig)

// WithName labels the store in logs and metrics.
func WithName(name string) Option {
	return func(c *storeConfig) { c.name = name }
}

// WithDurable backs the store with durable slots. If d also implements
// Watcher, Start subscribes to changes made by other processes.
func WithDurable(d Durable) Option {
	return func(c *storeConfig) { c.durable = d }
}

func WithNamespace(ns string) Option {
	return func(c *storeConfig) { c.namespace = ns }
}

// WithDefaults sets the TTL and limits used when a Set call does not
// override them. Zero values keep the package defaults.
func WithDefaults(ttl time.Duration, maxEntries int, maxSizeBytes int64) Option {
	return func(c *storeConfig) {
		WithTTL(ttl)(&c.defaults)
		WithMaxEntries(maxEntries)(&c.defaults)
		WithMaxSizeBytes(maxSizeBytes)(&c.defaults)
	}
}

// WithSweepInterval sets how often Start runs Cleanup. Zero disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *storeConfig) { c.sweepInterval = d }
}

// WithSingleFlight makes GetOrSet run at most one fetch per key at a time.
func WithSingleFlight() Option {
	return func(c *storeConfig) { c.singleFlight = true }
}

// WithValidator rejects durable payloads that decode but fail fn.
func WithValidator[T any](fn func(T) error) Option {
	return func(c *storeConfig) {
		c.validate = func(v any) error {
			t, ok := v.(T)
			if !ok {
				return fmt.Errorf("validator expects %T, got %T", t, v)
			}
			return fn(t)
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *storeConfig) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}
