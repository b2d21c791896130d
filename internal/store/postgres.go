// Package store keeps durable cache slots in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/mayotv/internal/cache"
	"github.com/voyagen/mayotv/internal/logger"
)

// NotifyChannel is the LISTEN channel fed by the cache_slots trigger.
const NotifyChannel = "mayo_cache_slots"

// Postgres implements cache.Durable and cache.Watcher on the cache_slots table.
type Postgres struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewPostgres creates a Postgres slot store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string, log logger.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool, log: log.Component("postgres")}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM cache_slots WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Save(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cache_slots (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("save slot %s: %w", key, err)
	}
	return nil
}

// Remove deletes the slot. A missing row fires no trigger, so the removal
// is announced directly to keep every Remove observable by watchers.
func (p *Postgres) Remove(ctx context.Context, key string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_slots WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("remove slot %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	payload, err := json.Marshal(notification{Key: key, Removed: true})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify removal %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM cache_slots WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return keys, nil
}

// notification is the trigger payload. The value is re-read on delivery
// because NOTIFY payloads are capped at 8000 bytes.
type notification struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed"`
}

// Watch holds one pooled connection in LISTEN mode until ctx is done or
// stop is called. It returns once LISTEN has been issued.
func (p *Postgres) Watch(ctx context.Context, prefix string, fn func(cache.Change)) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn().Err(err).Msg("listener stopped")
				}
				return
			}
			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				p.log.Warn().Err(err).Str("payload", n.Payload).Msg("malformed notification")
				continue
			}
			if !strings.HasPrefix(msg.Key, prefix) {
				continue
			}
			fn(p.resolve(ctx, msg))
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (p *Postgres) resolve(ctx context.Context, msg notification) cache.Change {
	if msg.Removed {
		return cache.Change{Key: msg.Key, Removed: true}
	}
	value, err := p.Load(ctx, msg.Key)
	if err != nil {
		// Gone again or unreadable.
		return cache.Change{Key: msg.Key, Removed: true}
	}
	return cache.Change{Key: msg.Key, Value: value}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
