package cache_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/voyagen/mayotv/internal/cache"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingSlots records writes going through to the wrapped backend.
type countingSlots struct {
	*cache.MemorySlots
	saves   atomic.Int32
	removes atomic.Int32
}

func (c *countingSlots) Save(ctx context.Context, key string, value []byte) error {
	c.saves.Add(1)
	return c.MemorySlots.Save(ctx, key, value)
}

func (c *countingSlots) Remove(ctx context.Context, key string) error {
	c.removes.Add(1)
	return c.MemorySlots.Remove(ctx, key)
}

// flakyRemoves fails Remove without touching the backend while fail is set.
type flakyRemoves struct {
	*cache.MemorySlots
	fail atomic.Bool
}

func (f *flakyRemoves) Remove(ctx context.Context, key string) error {
	if f.fail.Load() {
		return errQuota
	}
	return f.MemorySlots.Remove(ctx, key)
}

type failingSlots struct{}

var errQuota = errors.New("quota exceeded")

func (failingSlots) Load(context.Context, string) ([]byte, error)   { return nil, errQuota }
func (failingSlots) Save(context.Context, string, []byte) error     { return errQuota }
func (failingSlots) Remove(context.Context, string) error           { return errQuota }
func (failingSlots) Keys(context.Context, string) ([]string, error) { return nil, errQuota }

func TestStore_SetGetHasDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[string]()

	_, ok := s.Get(ctx, "missing")
	require.False(t, ok)

	s.Set(ctx, "a", "alpha")
	v, ok := s.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "alpha", v)
	require.True(t, s.Has(ctx, "a"))

	require.True(t, s.Delete(ctx, "a"))
	require.False(t, s.Delete(ctx, "a"))
	require.False(t, s.Has(ctx, "a"))
}

func TestStore_NeverReturnsExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := cache.New[int](cache.WithClock(clock.Now))

	s.Set(ctx, "k", 42, cache.WithTTL(time.Minute))

	clock.Advance(59 * time.Second)
	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, 42, v)

	clock.Advance(time.Second)
	_, ok = s.Get(ctx, "k")
	require.False(t, ok, "entry is dead at exactly createdAt+ttl")
	require.Zero(t, s.Len(), "expired entry is deleted on discovery")

	st := s.Stats()
	require.Equal(t, int64(1), st.Hits)
	require.Equal(t, int64(1), st.Misses)
}

func TestStore_EvictsLowestHitCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[string](cache.WithDefaults(time.Hour, 3, 0))

	s.Set(ctx, "five", "x")
	s.Set(ctx, "zero", "x")
	s.Set(ctx, "two", "x")
	for range 5 {
		s.Get(ctx, "five")
	}
	for range 2 {
		s.Get(ctx, "two")
	}

	s.Set(ctx, "new", "x")

	require.Equal(t, 3, s.Len())
	require.False(t, s.Has(ctx, "zero"))
	require.True(t, s.Has(ctx, "five"))
	require.True(t, s.Has(ctx, "two"))
	require.True(t, s.Has(ctx, "new"))
}

func TestStore_TiesEvictEarliestInserted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[string]()

	s.Set(ctx, "first", "x")
	s.Set(ctx, "second", "x")
	s.Set(ctx, "third", "x", cache.WithMaxEntries(2))

	require.False(t, s.Has(ctx, "first"))
	require.True(t, s.Has(ctx, "second"))
	require.True(t, s.Has(ctx, "third"))
}

func TestStore_EvictionBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const (
		maxEntries = 7
		maxSize    = 400
	)
	s := cache.New[string](cache.WithDefaults(time.Hour, maxEntries, maxSize))

	for i := range 100 {
		value := fmt.Sprintf("%0*d", (i%9)*10+1, i)
		s.Set(ctx, fmt.Sprintf("k%d", i), value)
		if i%3 == 0 {
			s.Get(ctx, fmt.Sprintf("k%d", i/2))
		}

		st := s.Stats()
		require.LessOrEqual(t, st.TotalEntries, maxEntries)
		require.LessOrEqual(t, st.TotalSizeBytes, int64(maxSize))
	}
}

func TestStore_SizeIsJSONLength(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[map[string]string]()

	v := map[string]string{"name": "Canal+"}
	s.Set(ctx, "k", v)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, int64(len(b)), s.Stats().TotalSizeBytes)
}

func TestStore_Cleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := cache.New[int](cache.WithClock(clock.Now))

	s.Set(ctx, "short", 1, cache.WithTTL(time.Second))
	s.Set(ctx, "long", 2, cache.WithTTL(time.Hour))

	clock.Advance(time.Minute)
	require.Equal(t, 1, s.Cleanup(ctx))
	require.Equal(t, 1, s.Len())
}

func TestStore_InvalidatePattern(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[int]()

	s.Set(ctx, "channels:fr", 1)
	s.Set(ctx, "channels:us", 2)
	s.Set(ctx, "countries", 3)

	n := s.InvalidatePattern(ctx, regexp.MustCompile(`^channels:`))
	require.Equal(t, 2, n)
	require.Equal(t, 1, s.Len())
	require.True(t, s.Has(ctx, "countries"))
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	s := cache.New[int](cache.WithClock(clock.Now))

	empty := s.Stats()
	require.Zero(t, empty.HitRate)
	require.Nil(t, empty.OldestEntry)

	s.Set(ctx, "a", 1)
	clock.Advance(time.Second)
	s.Set(ctx, "b", 2)

	s.Get(ctx, "a")
	s.Get(ctx, "a")
	s.Get(ctx, "b")
	s.Get(ctx, "nope")

	st := s.Stats()
	require.Equal(t, 2, st.TotalEntries)
	require.InDelta(t, 0.75, st.HitRate, 1e-9)
	require.InDelta(t, 0.25, st.MissRate, 1e-9)
	require.True(t, st.OldestEntry.Before(*st.NewestEntry))
}

func TestStore_GetOrSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[string]()

	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		return "fetched", nil
	}

	v, err := s.GetOrSet(ctx, "k", fetch)
	require.NoError(t, err)
	require.Equal(t, "fetched", v)

	v, err = s.GetOrSet(ctx, "k", fetch)
	require.NoError(t, err)
	require.Equal(t, "fetched", v)
	require.Equal(t, int32(1), calls.Load())

	_, err = s.GetOrSet(ctx, "bad", func(context.Context) (string, error) { return "", errQuota })
	require.ErrorIs(t, err, errQuota)
	require.False(t, s.Has(ctx, "bad"))
}

func TestStore_GetOrSetConcurrentFetchesWithoutSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[int]()

	var (
		calls   atomic.Int32
		entered sync.WaitGroup
		release = make(chan struct{})
	)
	entered.Add(2)
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		entered.Done()
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.GetOrSet(ctx, "k", fetch)
		}()
	}

	entered.Wait()
	close(release)
	wg.Wait()

	require.Equal(t, int32(2), calls.Load())
}

func TestStore_GetOrSetSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[int](cache.WithSingleFlight())

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.GetOrSet(ctx, "k", fetch)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i, v := range results {
		require.NoError(t, errs[i])
		require.Equal(t, 7, v)
	}
}

func TestStore_GetOrSetSingleFlightSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()
	s := cache.New[int](cache.WithSingleFlight())

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 9, nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.GetOrSet(first, "k", fetch)
		firstErr <- err
	}()
	<-started

	secondVal := make(chan int, 1)
	secondErr := make(chan error, 1)
	go func() {
		v, err := s.GetOrSet(context.Background(), "k", fetch)
		secondVal <- v
		secondErr <- err
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.Equal(t, 9, <-secondVal)
	require.NoError(t, <-secondErr)
	v, ok := s.Get(context.Background(), "k")
	require.True(t, ok)
	require.Equal(t, 9, v)
}

func TestStore_PersistsAndHydrates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slots := cache.NewMemorySlots()

	writer := cache.New[[]string](cache.WithDurable(slots))
	writer.Set(ctx, "langs", []string{"eng", "fra"}, cache.WithTTL(time.Hour))

	raw, err := slots.Load(ctx, "mayo-cache-langs")
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, []any{"eng", "fra"}, payload["data"])
	require.EqualValues(t, time.Hour.Milliseconds(), payload["ttl"])
	require.Contains(t, payload, "createdAt")
	require.Contains(t, payload, "hitCount")
	require.Contains(t, payload, "sizeBytes")

	reader := cache.New[[]string](cache.WithDurable(slots))
	require.Zero(t, reader.Len())

	v, ok := reader.Get(ctx, "langs")
	require.True(t, ok)
	require.Equal(t, []string{"eng", "fra"}, v)
	require.Equal(t, 1, reader.Len(), "hydrated entry is promoted")
}

func TestStore_HydrateSkipsExpiredSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slots := cache.NewMemorySlots()
	clock := newFakeClock()

	cache.New[int](cache.WithDurable(slots), cache.WithClock(clock.Now)).
		Set(ctx, "k", 1, cache.WithTTL(time.Minute))

	clock.Advance(2 * time.Minute)
	reader := cache.New[int](cache.WithDurable(slots), cache.WithClock(clock.Now))

	_, ok := reader.Get(ctx, "k")
	require.False(t, ok)
	require.Zero(t, reader.Len())

	_, err := slots.Load(ctx, "mayo-cache-k")
	require.ErrorIs(t, err, cache.ErrSlotNotFound)
}

func TestStore_WithoutPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slots := cache.NewMemorySlots()
	s := cache.New[int](cache.WithDurable(slots))

	s.Set(ctx, "k", 1, cache.WithoutPersist())

	keys, err := slots.Keys(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
	require.True(t, s.Has(ctx, "k"))
}

func TestStore_DiscardsInvalidDurablePayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{{{`},
		{name: "missing data", payload: `{"createdAt":1,"ttl":1000}`},
		{name: "wrong data shape", payload: fmt.Sprintf(`{"data":"oops","createdAt":%d,"ttl":60000}`, time.Now().UnixMilli())},
		{name: "rejected by validator", payload: fmt.Sprintf(`{"data":[],"createdAt":%d,"ttl":60000}`, time.Now().UnixMilli())},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			slots := cache.NewMemorySlots()
			require.NoError(t, slots.Save(ctx, "mayo-cache-k", []byte(tc.payload)))

			s := cache.New[[]int](
				cache.WithDurable(slots),
				cache.WithValidator(func(v []int) error {
					if len(v) == 0 {
						return errors.New("empty")
					}
					return nil
				}),
			)

			_, ok := s.Get(ctx, "k")
			require.False(t, ok)

			_, err := slots.Load(ctx, "mayo-cache-k")
			require.ErrorIs(t, err, cache.ErrSlotNotFound)
		})
	}
}

func TestStore_DurableFailuresDegradeToMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := cache.New[string](cache.WithDurable(failingSlots{}))

	s.Set(ctx, "k", "v")
	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	_, ok = s.Get(ctx, "other")
	require.False(t, ok)

	require.True(t, s.Delete(ctx, "k"))
	s.Clear(ctx)
}

func TestStore_ClearRemovesOnlyNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slots := cache.NewMemorySlots()
	require.NoError(t, slots.Save(ctx, "iptvDataCache", []byte(`{}`)))

	s := cache.New[int](cache.WithDurable(slots))
	s.Set(ctx, "a", 1)
	s.Set(ctx, "b", 2)
	s.Get(ctx, "a")

	s.Clear(ctx)

	require.Zero(t, s.Len())
	require.Zero(t, s.Stats().Hits)
	keys, err := slots.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"iptvDataCache"}, keys)
}

func TestStore_SyncsAcrossStores(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slots := &countingSlots{MemorySlots: cache.NewMemorySlots()}
	a := cache.New[string](cache.WithName("a"), cache.WithDurable(slots))
	b := cache.New[string](cache.WithName("b"), cache.WithDurable(slots))
	a.Start(ctx)
	b.Start(ctx)
	defer a.Close()
	defer b.Close()

	var events []cache.Event
	var mu sync.Mutex
	unsubscribe := b.Subscribe(func(ev cache.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	a.Set(ctx, "k", "from-a")

	require.Equal(t, 1, b.Len(), "remote write lands in memory")
	v, ok := b.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "from-a", v)
	require.Equal(t, int32(1), slots.saves.Load(), "applying a remote change never writes back")

	require.True(t, a.Delete(ctx, "k"))
	require.Zero(t, b.Len())
	require.Equal(t, int32(1), slots.removes.Load())

	mu.Lock()
	require.Equal(t, []cache.Event{
		{Key: "k", Kind: cache.EventSet, Remote: true},
		{Key: "k", Kind: cache.EventDelete, Remote: true},
	}, events)
	mu.Unlock()

	unsubscribe()
	a.Set(ctx, "k2", "x")
	mu.Lock()
	require.Len(t, events, 2)
	mu.Unlock()
}

func TestStore_OwnWritesAreNotReapplied(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slots := cache.NewMemorySlots()
	s := cache.New[string](cache.WithDurable(slots))
	s.Start(ctx)
	defer s.Close()

	var remote atomic.Int32
	s.Subscribe(func(ev cache.Event) {
		if ev.Remote {
			remote.Add(1)
		}
	})

	s.Set(ctx, "k", "v")
	s.Get(ctx, "k")
	s.Set(ctx, "k", "v2")
	s.Delete(ctx, "k")

	require.Zero(t, remote.Load())
}

func TestStore_DeletingMissingKeyKeepsRemoteSync(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slots := cache.NewMemorySlots()
	a := cache.New[string](cache.WithName("a"), cache.WithDurable(slots))
	b := cache.New[string](cache.WithName("b"), cache.WithDurable(slots))
	a.Start(ctx)
	b.Start(ctx)
	defer a.Close()
	defer b.Close()

	require.False(t, a.Delete(ctx, "k"))
	a.Set(ctx, "memory-only", "m", cache.WithoutPersist())
	require.Equal(t, 1, a.InvalidatePattern(ctx, regexp.MustCompile(`^memory-only$`)))

	b.Set(ctx, "k", "v")
	b.Set(ctx, "memory-only", "shared")
	v, ok := a.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, 2, a.Len())

	require.True(t, b.Delete(ctx, "k"))
	require.True(t, b.Delete(ctx, "memory-only"))

	_, err := slots.Load(ctx, cache.DefaultNamespace+"k")
	require.ErrorIs(t, err, cache.ErrSlotNotFound)
	_, ok = a.Get(ctx, "k")
	require.False(t, ok, "removal made by another store applies")
	_, ok = a.Get(ctx, "memory-only")
	require.False(t, ok)
}

func TestStore_FailedRemovalKeepsRemoteSync(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := cache.NewMemorySlots()
	flaky := &flakyRemoves{MemorySlots: shared}
	flaky.fail.Store(true)
	a := cache.New[string](cache.WithName("a"), cache.WithDurable(flaky))
	b := cache.New[string](cache.WithName("b"), cache.WithDurable(shared))
	a.Start(ctx)
	b.Start(ctx)
	defer a.Close()
	defer b.Close()

	b.Set(ctx, "k", "v")
	require.Equal(t, 1, a.Len())

	a.Delete(ctx, "k")
	b.Set(ctx, "k", "v2")
	require.Equal(t, 1, a.Len())

	require.True(t, b.Delete(ctx, "k"))
	require.Zero(t, a.Len(), "a failed own removal must not swallow a later remote one")
}

func TestStore_SweepRemovesExpired(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := cache.New[int](cache.WithSweepInterval(10 * time.Millisecond))
	s.Start(ctx)
	defer s.Close()

	s.Set(ctx, "k", 1, cache.WithTTL(20*time.Millisecond))

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}
