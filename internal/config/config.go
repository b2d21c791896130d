package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRedisURL    = errors.New("REDIS_URL is required for the redis cache backend")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres cache backend")
	ErrUnknownBackend     = errors.New("unknown cache backend")
)

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds application configuration. Every field can come from the
// environment (envconfig tag) or a YAML file (yaml tag).
type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Fetcher   Fetcher   `yaml:"fetcher"`
	Directory Directory `yaml:"directory"`
	Cache     Cache     `yaml:"cache"`
	Sources   Sources   `yaml:"sources"`

	RedisURL    string `envconfig:"REDIS_URL" yaml:"redis_url"`
	DatabaseURL string `envconfig:"DATABASE_URL" yaml:"database_url"`
}

type Server struct {
	Port            string        `envconfig:"SERVER_PORT" default:"8080" yaml:"port"`
	CORSOrigins     []string      `envconfig:"SERVER_CORS_ORIGINS" default:"*" yaml:"cors_origins"`
	RateLimit       int           `envconfig:"SERVER_RATE_LIMIT" default:"120" yaml:"rate_limit"`
	RateWindow      time.Duration `envconfig:"SERVER_RATE_WINDOW" default:"1m" yaml:"rate_window"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s" yaml:"shutdown_timeout"`
}

type Log struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Format string `envconfig:"LOG_FORMAT" default:"console" yaml:"format"`
}

type Fetcher struct {
	UserAgent        string        `envconfig:"FETCHER_USER_AGENT" default:"MayoTV/1.0" yaml:"user_agent"`
	Timeout          time.Duration `envconfig:"FETCHER_TIMEOUT" default:"8s" yaml:"timeout"`
	Breaker          bool          `envconfig:"FETCHER_BREAKER" default:"false" yaml:"breaker"`
	BreakerThreshold uint          `envconfig:"FETCHER_BREAKER_THRESHOLD" default:"3" yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `envconfig:"FETCHER_BREAKER_TIMEOUT" default:"30s" yaml:"breaker_timeout"`
}

type Directory struct {
	TTL       time.Duration `envconfig:"DIRECTORY_TTL" default:"24h" yaml:"ttl"`
	SlotKey   string        `envconfig:"DIRECTORY_SLOT_KEY" default:"iptvDataCache" yaml:"slot_key"`
	Worker    bool          `envconfig:"DIRECTORY_WORKER" default:"true" yaml:"worker"`
	LockTTL   time.Duration `envconfig:"DIRECTORY_LOCK_TTL" default:"2m" yaml:"lock_ttl"`
	ViewTTL   time.Duration `envconfig:"DIRECTORY_VIEW_TTL" default:"10m" yaml:"view_ttl"`
	WarmStart bool          `envconfig:"DIRECTORY_WARM_START" default:"false" yaml:"warm_start"`
}

type Cache struct {
	Backend       string        `envconfig:"CACHE_BACKEND" default:"badger" yaml:"backend"`
	Namespace     string        `envconfig:"CACHE_NAMESPACE" default:"mayo-cache-" yaml:"namespace"`
	MaxEntries    int           `envconfig:"CACHE_MAX_ENTRIES" default:"1000" yaml:"max_entries"`
	MaxSizeBytes  int64         `envconfig:"CACHE_MAX_SIZE_BYTES" default:"52428800" yaml:"max_size_bytes"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"5m" yaml:"sweep_interval"`
	SingleFlight  bool          `envconfig:"CACHE_SINGLE_FLIGHT" default:"false" yaml:"single_flight"`
	BadgerPath    string        `envconfig:"CACHE_BADGER_PATH" default:"" yaml:"badger_path"`
}

// Sources configures where the six directory resources are read from.
// Each resource URL is BaseURL + "/<name>.json"; every proxy prefix yields
// one fallback URL, tried in order.
type Sources struct {
	BaseURL string   `envconfig:"SOURCES_BASE_URL" default:"https://iptv-org.github.io/api" yaml:"base_url"`
	Proxies []string `envconfig:"SOURCES_PROXIES" default:"https://api.allorigins.win/raw?url=,https://corsproxy.io/?" yaml:"proxies"`
}

// Load builds config from environment variables, after loading .env.local
// and .env without overriding variables that are already set.
func Load() (*Config, error) {
	loadEnvFiles()

	c, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func fromEnv() (*Config, error) {
	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return nil, fmt.Errorf("unable to parse configuration: %w", err)
	}
	return c, nil
}

// Validate checks that the selected cache backend has what it needs.
func (c *Config) Validate() error {
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	switch c.Cache.Backend {
	case BackendMemory, BackendBadger:
	case BackendRedis:
		if c.RedisURL == "" {
			return ErrMissingRedisURL
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Cache.Backend)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache max size must be positive, got %d", c.Cache.MaxSizeBytes)
	}
	return nil
}
