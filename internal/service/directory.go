// Package service loads the channel directory, serving a durable snapshot
// while it is fresh and falling back to a demo catalog when sources fail.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/voyagen/mayotv/internal/cache"
	"github.com/voyagen/mayotv/internal/directory"
	"github.com/voyagen/mayotv/internal/fetcher"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/metrics"
	"github.com/voyagen/mayotv/internal/models"
)

const (
	DefaultSlotKey = "iptvDataCache"
	DefaultTTL     = 24 * time.Hour
)

// Origin reports where a directory returned by Full came from.
type Origin string

const (
	OriginCache Origin = "cache"
	OriginFresh Origin = "fresh"
	OriginDemo  Origin = "demo"
)

// snapshot is the durable envelope for the full directory.
type snapshot struct {
	Timestamp int64             `json:"timestamp"` // epoch ms
	Data      *models.Directory `json:"data"`
}

// Directory orchestrates fetch, aggregation and the durable snapshot.
type Directory struct {
	client  *fetcher.Client
	sources Sources
	slots   cache.Durable
	slotKey string
	ttl     time.Duration
	now     func() time.Time
	log     logger.Logger
	flight  singleflight.Group

	// last decoded snapshot, keyed by the xxhash of its slot bytes
	memoMu  sync.Mutex
	memoSum uint64
	memo    *snapshot
}

type Option func(*Directory)

func WithSlotKey(key string) Option {
	return func(d *Directory) {
		if key != "" {
			d.slotKey = key
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// NewDirectory wires a directory loader. slots may be nil, in which case
// nothing is persisted and every Full call fetches.
func NewDirectory(client *fetcher.Client, sources Sources, slots cache.Durable, opts ...Option) *Directory {
	d := &Directory{
		client:  client,
		sources: sources,
		slots:   slots,
		slotKey: DefaultSlotKey,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     logger.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Component("directory")
	return d
}

// Full returns the complete directory. A snapshot younger than the TTL is
// served as is; otherwise the six sources are fetched, aggregated and the
// result persisted on a best-effort basis. Full never fails: when the
// sources cannot be read the demo catalog is returned.
func (d *Directory) Full(ctx context.Context) (*models.Directory, Origin) {
	if dir, ok := d.cached(ctx); ok {
		metrics.DirectoryLoads.WithLabelValues(string(OriginCache)).Inc()
		return dir, OriginCache
	}

	dir, err := d.rebuild(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("directory sources unavailable, serving demo catalog")
		metrics.DirectoryLoads.WithLabelValues(string(OriginDemo)).Inc()
		return Demo(), OriginDemo
	}
	metrics.DirectoryLoads.WithLabelValues(string(OriginFresh)).Inc()
	return dir, OriginFresh
}

// Refresh rebuilds and persists the directory regardless of the snapshot
// age. Unlike Full it reports fetch failures.
func (d *Directory) Refresh(ctx context.Context) (*models.Directory, error) {
	return d.rebuild(ctx)
}

// Invalidate removes the snapshot so the next Full call fetches.
func (d *Directory) Invalidate(ctx context.Context) error {
	if d.slots == nil {
		return nil
	}
	if err := d.slots.Remove(ctx, d.slotKey); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Skeleton fetches only the reference dictionaries. It is never cached
// and returns the *fetcher.ResourceFetchError of the first failing resource.
func (d *Directory) Skeleton(ctx context.Context) (*models.Skeleton, error) {
	var sk models.Skeleton
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sk.Countries, err = fetcher.Fetch[[]models.Country](gctx, d.client, d.sources.Countries)
		return err
	})
	g.Go(func() (err error) {
		sk.Categories, err = fetcher.Fetch[[]models.Category](gctx, d.client, d.sources.Categories)
		return err
	})
	g.Go(func() (err error) {
		sk.Languages, err = fetcher.Fetch[[]models.Language](gctx, d.client, d.sources.Languages)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &sk, nil
}

// rebuild shares one fetch between concurrent callers. The shared work
// runs detached from any single caller, so one caller going away does not
// fail the others; each caller still returns as soon as its own ctx ends.
func (d *Directory) rebuild(ctx context.Context) (*models.Directory, error) {
	work := context.WithoutCancel(ctx)
	ch := d.flight.DoChan("rebuild", func() (any, error) {
		in, err := d.fetchAll(work)
		if err != nil {
			return nil, err
		}
		dir := directory.Aggregate(in)
		metrics.DirectoryChannels.Set(float64(len(dir.AllChannels)))
		d.log.Info().
			Int("channels", len(dir.AllChannels)).
			Int("countries", len(dir.Countries)).
			Msg("directory aggregated")
		d.persist(work, dir)
		return dir, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Directory), nil
	}
}

func (d *Directory) fetchAll(ctx context.Context) (directory.Input, error) {
	var in directory.Input
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.Streams, err = fetcher.Fetch[[]models.Stream](gctx, d.client, d.sources.Streams)
		return err
	})
	g.Go(func() (err error) {
		in.Channels, err = fetcher.Fetch[[]models.ChannelMetadata](gctx, d.client, d.sources.Channels)
		return err
	})
	g.Go(func() (err error) {
		in.Logos, err = fetcher.Fetch[[]models.Logo](gctx, d.client, d.sources.Logos)
		return err
	})
	g.Go(func() (err error) {
		in.Countries, err = fetcher.Fetch[[]models.Country](gctx, d.client, d.sources.Countries)
		return err
	})
	g.Go(func() (err error) {
		in.Categories, err = fetcher.Fetch[[]models.Category](gctx, d.client, d.sources.Categories)
		return err
	})
	g.Go(func() (err error) {
		in.Languages, err = fetcher.Fetch[[]models.Language](gctx, d.client, d.sources.Languages)
		return err
	})
	err := g.Wait()
	return in, err
}

func (d *Directory) cached(ctx context.Context) (*models.Directory, bool) {
	if d.slots == nil {
		return nil, false
	}
	raw, err := d.slots.Load(ctx, d.slotKey)
	if err != nil {
		if !errors.Is(err, cache.ErrSlotNotFound) {
			d.log.Warn().Err(err).Str("key", d.slotKey).Msg("snapshot read failed")
		}
		return nil, false
	}
	snap, err := d.decode(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("key", d.slotKey).Msg("discarding unreadable snapshot")
		return nil, false
	}
	age := d.now().Sub(time.UnixMilli(snap.Timestamp))
	if age >= d.ttl {
		d.log.Debug().Dur("age", age).Msg("snapshot expired")
		return nil, false
	}
	return snap.Data, true
}

func (d *Directory) persist(ctx context.Context, dir *models.Directory) {
	if d.slots == nil {
		return
	}
	snap := &snapshot{Timestamp: d.now().UnixMilli(), Data: dir}
	raw, err := json.Marshal(snap)
	if err != nil {
		d.log.Warn().Err(err).Msg("snapshot encode failed")
		return
	}
	if err := d.slots.Save(ctx, d.slotKey, raw); err != nil {
		d.log.Warn().Err(err).Str("key", d.slotKey).Msg("snapshot write failed")
		return
	}
	d.remember(raw, snap)
}

var errEmptySnapshot = errors.New("snapshot has no data")

// decode returns the snapshot stored in raw, reusing the last decoded one
// when the bytes are unchanged.
func (d *Directory) decode(raw []byte) (*snapshot, error) {
	sum := xxhash.Sum64(raw)
	d.memoMu.Lock()
	if d.memo != nil && d.memoSum == sum {
		snap := d.memo
		d.memoMu.Unlock()
		return snap, nil
	}
	d.memoMu.Unlock()

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	if snap.Data == nil {
		return nil, errEmptySnapshot
	}
	d.remember(raw, &snap)
	return &snap, nil
}

func (d *Directory) remember(raw []byte, snap *snapshot) {
	sum := xxhash.Sum64(raw)
	d.memoMu.Lock()
	d.memoSum, d.memo = sum, snap
	d.memoMu.Unlock()
}
