package cache

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/voyagen/mayotv/internal/logger"
	"github.com/voyagen/mayotv/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Own-write fingerprints kept per key while waiting for the backend to
// echo them back. Marks older than echoWindow are ignored.
const (
	maxPendingEchoes = 16
	echoWindow       = 30 * time.Second
)

// removalMark stands in for the fingerprint of a slot removal.
const removalMark uint64 = 0

// EventKind says what happened to a key.
type EventKind string

const (
	EventSet     EventKind = "set"
	EventDelete  EventKind = "delete"
	EventExpire  EventKind = "expire"
	EventEvict   EventKind = "evict"
	EventCleared EventKind = "clear"
)

// Event is delivered to Subscribe listeners after the in-memory map changed.
// Remote is true when the change came from another process via the durable backend.
type Event struct {
	Key    string
	Kind   EventKind
	Remote bool
}

type echoMark struct {
	mark uint64
	at   time.Time
}

type item[T any] struct {
	entry Entry[T]
	seq   uint64
}

// Store is a keyed cache with per-entry TTL, hit counting and eviction of
// the least-hit entry when the entry or size limit is exceeded. With a
// durable backend, writes are mirrored to slots named namespace+key and
// misses are hydrated from them.
//
// Concurrent GetOrSet calls for the same missing key each run their fetch
// unless the store was built WithSingleFlight.
type Store[T any] struct {
	name      string
	namespace string
	durable   Durable
	defaults  setOptions
	validate  func(any) error
	flight    *singleflight.Group
	log       logger.Logger
	now       func() time.Time

	sweepInterval time.Duration

	mu        sync.Mutex
	entries   map[string]*item[T]
	seq       uint64
	totalSize int64
	hits      int64
	misses    int64
	pending   map[string][]echoMark
	watching  bool

	listenersMu sync.Mutex
	listeners   map[int]func(Event)
	nextID      int

	runMu     sync.Mutex
	cancel    context.CancelFunc
	stopWatch func()
	done      chan struct{}
}

// New creates a Store. Without WithDurable the store is memory-only.
func New[T any](opts ...Option) *Store[T] {
	cfg := storeConfig{
		name:      "default",
		namespace: DefaultNamespace,
		defaults: setOptions{
			ttl:          DefaultTTL,
			maxEntries:   DefaultMaxEntries,
			maxSizeBytes: DefaultMaxSizeBytes,
			persist:      true,
		},
		log:           logger.NewTestLogger(),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store[T]{
		name:          cfg.name,
		namespace:     cfg.namespace,
		durable:       cfg.durable,
		defaults:      cfg.defaults,
		validate:      cfg.validate,
		log:           cfg.log.Component("cache." + cfg.name),
		now:           cfg.now,
		sweepInterval: cfg.sweepInterval,
		entries:       make(map[string]*item[T]),
		pending:       make(map[string][]echoMark),
		listeners:     make(map[int]func(Event)),
	}
	if cfg.singleFlight {
		s.flight = &singleflight.Group{}
	}
	return s
}

// Name returns the store label.
func (s *Store[T]) Name() string { return s.name }

// Len returns the number of in-memory entries, expired or not.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Set stores data under key and then enforces the entry and size limits.
// Unless WithoutPersist is given the entry is also written to its durable
// slot; slot failures are logged and the entry stays memory-only.
func (s *Store[T]) Set(ctx context.Context, key string, data T, opts ...SetOption) {
	o := s.defaults
	for _, opt := range opts {
		opt(&o)
	}

	e := Entry[T]{
		Data:      data,
		CreatedAt: s.now(),
		TTL:       o.ttl,
		SizeBytes: estimateSize(data),
	}

	s.mu.Lock()
	s.putLocked(key, e)
	expired, evicted := s.enforceLocked(o.maxEntries, o.maxSizeBytes)
	s.updateGaugesLocked()
	s.mu.Unlock()

	if o.persist {
		s.persist(ctx, key, e)
	}
	s.removeSlots(ctx, expired)

	s.notify(Event{Key: key, Kind: EventSet})
	s.notifyAll(expired, EventExpire)
	s.notifyAll(evicted, EventEvict)
}

// Get returns the live value for key. A memory miss falls back to the
// durable slot; only unexpired slot entries are promoted. Expired entries
// are deleted and never returned.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	now := s.now()

	s.mu.Lock()
	if it, ok := s.entries[key]; ok {
		if it.entry.Expired(now) {
			s.removeLocked(key)
			s.misses++
			s.updateGaugesLocked()
			s.mu.Unlock()

			metrics.CacheMisses.WithLabelValues(s.name).Inc()
			metrics.CacheEvictions.WithLabelValues(s.name, "expired").Inc()
			s.removeSlot(ctx, key)
			s.notify(Event{Key: key, Kind: EventExpire})
			return zero, false
		}
		it.entry.HitCount++
		s.hits++
		data := it.entry.Data
		s.mu.Unlock()

		metrics.CacheHits.WithLabelValues(s.name).Inc()
		return data, true
	}
	s.mu.Unlock()

	e, found := s.hydrate(ctx, key, now)

	s.mu.Lock()
	if it, ok := s.entries[key]; ok && !it.entry.Expired(now) {
		// Filled by a concurrent Set while we were reading the slot.
		it.entry.HitCount++
		s.hits++
		data := it.entry.Data
		s.mu.Unlock()

		metrics.CacheHits.WithLabelValues(s.name).Inc()
		return data, true
	}
	if !found {
		s.misses++
		s.mu.Unlock()

		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return zero, false
	}
	e.HitCount++
	s.hits++
	s.putLocked(key, e)
	expired, evicted := s.enforceLocked(s.defaults.maxEntries, s.defaults.maxSizeBytes)
	s.updateGaugesLocked()
	s.mu.Unlock()

	metrics.CacheHits.WithLabelValues(s.name).Inc()
	s.removeSlots(ctx, expired)
	s.notifyAll(expired, EventExpire)
	s.notifyAll(evicted, EventEvict)
	return e.Data, true
}

// Has reports whether Get would return a value. It is a real Get: hit
// counters move and expired entries are removed.
func (s *Store[T]) Has(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Delete removes key from memory and from its durable slot. It reports
// whether an in-memory entry existed.
func (s *Store[T]) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, existed := s.entries[key]
	if existed {
		s.removeLocked(key)
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	s.removeSlot(ctx, key)
	if existed {
		s.notify(Event{Key: key, Kind: EventDelete})
	}
	return existed
}

// Clear empties memory, resets the hit/miss counters and removes every
// durable slot under the namespace.
func (s *Store[T]) Clear(ctx context.Context) {
	s.mu.Lock()
	s.entries = make(map[string]*item[T])
	s.totalSize = 0
	s.hits, s.misses = 0, 0
	s.updateGaugesLocked()
	s.mu.Unlock()

	if s.durable != nil {
		keys, err := s.durable.Keys(ctx, s.namespace)
		if err != nil {
			s.durableFailed("keys", s.namespace, err)
		}
		for _, slot := range keys {
			s.removeSlot(ctx, strings.TrimPrefix(slot, s.namespace))
		}
	}
	s.notify(Event{Kind: EventCleared})
}

// Cleanup deletes every expired entry and returns how many were removed.
func (s *Store[T]) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	expired := s.cleanupLocked(s.now())
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.removeSlots(ctx, expired)
	s.notifyAll(expired, EventExpire)
	return len(expired)
}

// GetOrSet returns the cached value or runs fetch, stores its result and
// returns it. Fetch errors are returned and nothing is stored.
func (s *Store[T]) GetOrSet(ctx context.Context, key string, fetch func(context.Context) (T, error), opts ...SetOption) (T, error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	if s.flight == nil {
		return s.fetchAndSet(ctx, key, fetch, opts)
	}

	// The shared fetch outlives any one caller; each caller stops waiting
	// when its own ctx ends.
	work := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		if v, ok := s.peek(key); ok {
			return v, nil
		}
		return s.fetchAndSet(work, key, fetch, opts)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// peek returns a live in-memory value without touching hit counters.
func (s *Store[T]) peek(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.entries[key]; ok && !it.entry.Expired(s.now()) {
		return it.entry.Data, true
	}
	var zero T
	return zero, false
}

func (s *Store[T]) fetchAndSet(ctx context.Context, key string, fetch func(context.Context) (T, error), opts []SetOption) (T, error) {
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	s.Set(ctx, key, v, opts...)
	return v, nil
}

// InvalidatePattern deletes every in-memory key matching re, together with
// its durable slot, and returns how many keys were removed.
func (s *Store[T]) InvalidatePattern(ctx context.Context, re *regexp.Regexp) int {
	s.mu.Lock()
	var keys []string
	for k := range s.entries {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		if s.Delete(ctx, k) {
			n++
		}
	}
	return n
}

// Subscribe registers fn for every applied change. The returned function
// unregisters it.
func (s *Store[T]) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Start runs the periodic sweep and, when the durable backend is a
// Watcher, applies slot changes made elsewhere. It returns immediately;
// call Close or cancel ctx to stop.
func (s *Store[T]) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if w, ok := s.durable.(Watcher); ok {
		stop, err := w.Watch(ctx, s.namespace, s.applyRemote)
		if err != nil {
			s.log.Warn().Err(err).Msg("change notifications unavailable, continuing without sync")
		} else {
			s.stopWatch = stop
			s.mu.Lock()
			s.watching = true
			s.mu.Unlock()
		}
	}

	go s.sweepLoop(ctx)
}

// Close stops background work started by Start.
func (s *Store[T]) Close() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.mu.Lock()
	s.watching = false
	s.pending = make(map[string][]echoMark)
	s.mu.Unlock()
	s.cancel = nil
}

func (s *Store[T]) sweepLoop(ctx context.Context) {
	defer close(s.done)
	if s.sweepInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(ctx); n > 0 {
				s.log.Debug().Int("removed", n).Msg("sweep")
			}
		}
	}
}

// applyRemote mirrors a slot change into memory. It never writes back to
// the durable backend.
func (s *Store[T]) applyRemote(c Change) {
	if !strings.HasPrefix(c.Key, s.namespace) {
		return
	}
	key := strings.TrimPrefix(c.Key, s.namespace)

	mark := removalMark
	if !c.Removed {
		mark = xxhash.Sum64(c.Value)
	}

	s.mu.Lock()
	if s.consumeEchoLocked(key, mark) {
		s.mu.Unlock()
		return
	}

	if c.Removed {
		_, existed := s.entries[key]
		if existed {
			s.removeLocked(key)
			s.updateGaugesLocked()
		}
		s.mu.Unlock()
		if existed {
			metrics.CacheRemoteChanges.WithLabelValues(s.name).Inc()
			s.notify(Event{Key: key, Kind: EventDelete, Remote: true})
		}
		return
	}
	s.mu.Unlock()

	e, err := s.decode(c.Value)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("discarding remote change")
		return
	}

	s.mu.Lock()
	if e.Expired(s.now()) {
		_, existed := s.entries[key]
		if existed {
			s.removeLocked(key)
			s.updateGaugesLocked()
		}
		s.mu.Unlock()
		if existed {
			s.notify(Event{Key: key, Kind: EventExpire, Remote: true})
		}
		return
	}
	s.putLocked(key, e)
	_, evicted := s.enforceLocked(s.defaults.maxEntries, s.defaults.maxSizeBytes)
	s.updateGaugesLocked()
	s.mu.Unlock()

	metrics.CacheRemoteChanges.WithLabelValues(s.name).Inc()
	s.notify(Event{Key: key, Kind: EventSet, Remote: true})
	s.notifyAll(evicted, EventEvict)
}

// hydrate loads key from its durable slot. Undecodable, invalid and
// expired payloads are removed from the backend.
func (s *Store[T]) hydrate(ctx context.Context, key string, now time.Time) (Entry[T], bool) {
	if s.durable == nil {
		return Entry[T]{}, false
	}
	raw, err := s.durable.Load(ctx, s.namespace+key)
	if err != nil {
		if !errors.Is(err, ErrSlotNotFound) {
			s.durableFailed("load", key, err)
		}
		return Entry[T]{}, false
	}

	e, err := s.decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("discarding durable entry")
		s.removeSlot(ctx, key)
		return Entry[T]{}, false
	}
	if e.Expired(now) {
		s.removeSlot(ctx, key)
		return Entry[T]{}, false
	}
	return e, true
}

func (s *Store[T]) decode(raw []byte) (Entry[T], error) {
	e, err := decodeEntry[T](raw)
	if err != nil {
		return Entry[T]{}, err
	}
	if s.validate != nil {
		if err := s.validate(e.Data); err != nil {
			return Entry[T]{}, err
		}
	}
	if e.SizeBytes <= 0 {
		e.SizeBytes = estimateSize(e.Data)
	}
	return e, nil
}

func (s *Store[T]) persist(ctx context.Context, key string, e Entry[T]) {
	if s.durable == nil {
		return
	}
	payload, err := encodeEntry(e)
	if err != nil {
		s.durableFailed("encode", key, err)
		return
	}

	mark := xxhash.Sum64(payload)
	s.mu.Lock()
	s.expectEchoLocked(key, mark)
	s.mu.Unlock()

	if err := s.durable.Save(ctx, s.namespace+key, payload); err != nil {
		s.forgetEcho(key, mark)
		s.durableFailed("save", key, err)
	}
}

func (s *Store[T]) removeSlot(ctx context.Context, key string) {
	if s.durable == nil {
		return
	}
	s.mu.Lock()
	s.expectEchoLocked(key, removalMark)
	s.mu.Unlock()

	if err := s.durable.Remove(ctx, s.namespace+key); err != nil {
		s.forgetEcho(key, removalMark)
		if !errors.Is(err, ErrSlotNotFound) {
			s.durableFailed("remove", key, err)
		}
	}
}

func (s *Store[T]) removeSlots(ctx context.Context, keys []string) {
	for _, k := range keys {
		s.removeSlot(ctx, k)
	}
}

func (s *Store[T]) durableFailed(op, key string, err error) {
	metrics.CacheDurableErrors.WithLabelValues(s.name, op).Inc()
	s.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("durable slot unavailable, using memory only")
}

// expectEchoLocked records an own write that the watcher will deliver
// back. Nothing is recorded while no watcher runs.
func (s *Store[T]) expectEchoLocked(key string, mark uint64) {
	if !s.watching {
		return
	}
	p := append(freshEchoes(s.pending[key]), echoMark{mark: mark, at: time.Now()})
	if len(p) > maxPendingEchoes {
		p = p[len(p)-maxPendingEchoes:]
	}
	s.pending[key] = p
}

func (s *Store[T]) consumeEchoLocked(key string, mark uint64) bool {
	p := freshEchoes(s.pending[key])
	defer func() {
		if len(p) == 0 {
			delete(s.pending, key)
		} else {
			s.pending[key] = p
		}
	}()
	for i, m := range p {
		if m.mark == mark {
			p = append(p[:i], p[i+1:]...)
			return true
		}
	}
	return false
}

// forgetEcho drops a mark whose write never reached the backend.
func (s *Store[T]) forgetEcho(key string, mark uint64) {
	s.mu.Lock()
	s.consumeEchoLocked(key, mark)
	s.mu.Unlock()
}

func freshEchoes(p []echoMark) []echoMark {
	cutoff := time.Now().Add(-echoWindow)
	i := 0
	for i < len(p) && p[i].at.Before(cutoff) {
		i++
	}
	return p[i:]
}

func (s *Store[T]) putLocked(key string, e Entry[T]) {
	if old, ok := s.entries[key]; ok {
		s.totalSize -= old.entry.SizeBytes
	}
	s.seq++
	s.entries[key] = &item[T]{entry: e, seq: s.seq}
	s.totalSize += e.SizeBytes
}

func (s *Store[T]) removeLocked(key string) {
	if it, ok := s.entries[key]; ok {
		s.totalSize -= it.entry.SizeBytes
		delete(s.entries, key)
	}
}

func (s *Store[T]) cleanupLocked(now time.Time) []string {
	var expired []string
	for k, it := range s.entries {
		if it.entry.Expired(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		s.removeLocked(k)
	}
	if len(expired) > 0 {
		metrics.CacheEvictions.WithLabelValues(s.name, "expired").Add(float64(len(expired)))
	}
	return expired
}

// enforceLocked drops expired entries, then evicts the entry with the
// fewest hits (oldest insertion on ties) until both limits hold.
func (s *Store[T]) enforceLocked(maxEntries int, maxSize int64) (expired, evicted []string) {
	expired = s.cleanupLocked(s.now())

	for len(s.entries) > 0 && (len(s.entries) > maxEntries || s.totalSize > maxSize) {
		var (
			victim string
			best   *item[T]
		)
		for k, it := range s.entries {
			if best == nil || it.entry.HitCount < best.entry.HitCount ||
				(it.entry.HitCount == best.entry.HitCount && it.seq < best.seq) {
				victim, best = k, it
			}
		}
		s.removeLocked(victim)
		evicted = append(evicted, victim)
	}
	if len(evicted) > 0 {
		metrics.CacheEvictions.WithLabelValues(s.name, "limit").Add(float64(len(evicted)))
	}
	return expired, evicted
}

func (s *Store[T]) updateGaugesLocked() {
	metrics.CacheEntries.WithLabelValues(s.name).Set(float64(len(s.entries)))
	metrics.CacheSizeBytes.WithLabelValues(s.name).Set(float64(s.totalSize))
}

func (s *Store[T]) notify(ev Event) {
	s.listenersMu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store[T]) notifyAll(keys []string, kind EventKind) {
	for _, k := range keys {
		s.notify(Event{Key: k, Kind: kind})
	}
}
