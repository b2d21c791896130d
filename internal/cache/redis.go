package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/voyagen/mayotv/internal/logger"
)

// DefaultChangeChannel is the Pub/Sub channel carrying slot changes.
const DefaultChangeChannel = "mayo:cache:changes"

// Redis wraps a go-redis client. It backs durable slots, the refresh
// queue and the refresh lock.
type Redis struct {
	client *redis.Client
}

// NewRedis parses a Redis URL (e.g. "redis://host:6379/0") and returns a
// client. Call Ping to verify the connection.
func NewRedis(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Ping checks the connection to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// RedisSlots stores each slot as a plain Redis string and announces every
// write and removal on a Pub/Sub channel so other processes can follow.
type RedisSlots struct {
	r       *Redis
	channel string
	log     logger.Logger
}

func NewRedisSlots(r *Redis, log logger.Logger) *RedisSlots {
	return &RedisSlots{r: r, channel: DefaultChangeChannel, log: log.Component("slots.redis")}
}

func (s *RedisSlots) Load(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, nil
}

func (s *RedisSlots) Save(ctx context.Context, key string, value []byte) error {
	if err := s.r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return s.announce(ctx, Change{Key: key, Value: value})
}

func (s *RedisSlots) Remove(ctx context.Context, key string) error {
	if err := s.r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return s.announce(ctx, Change{Key: key, Removed: true})
}

// Keys lists slot keys under prefix. Uses SCAN so it is safe for production, unlike KEYS.
func (s *RedisSlots) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Watch subscribes to the change channel. It returns once the subscription
// is confirmed, so no change published afterwards is missed.
func (s *RedisSlots) Watch(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	sub := s.r.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				s.log.Warn().Err(err).Msg("malformed change message")
				continue
			}
			if strings.HasPrefix(c.Key, prefix) {
				fn(c)
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return func() { _ = sub.Close() }, nil
}

func (s *RedisSlots) announce(ctx context.Context, c Change) error {
	msg, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := s.r.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
