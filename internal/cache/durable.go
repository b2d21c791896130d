package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrSlotNotFound is returned by Durable.Load for a missing slot.
var ErrSlotNotFound = errors.New("durable slot not found")

// Durable is keyed storage for serialized payloads that outlives a process.
type Durable interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change describes a slot write or removal. Value is nil when Removed.
type Change struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Removed bool   `json:"removed"`
}

// Watcher delivers changes for slots under prefix, including changes made
// by this process. Every Remove is delivered, even for a slot that did not
// exist. Delivery stops when ctx is done or stop is called.
type Watcher interface {
	Watch(ctx context.Context, prefix string, fn func(Change)) (stop func(), err error)
}

// MemorySlots is an in-process Durable and Watcher. Stores sharing one
// MemorySlots observe each other's writes like separate processes would.
type MemorySlots struct {
	mu       sync.Mutex
	slots    map[string][]byte
	watchers map[int]memoryWatch
	nextID   int
}

type memoryWatch struct {
	prefix string
	fn     func(Change)
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{slots: make(map[string][]byte), watchers: make(map[int]memoryWatch)}
}

func (m *MemorySlots) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemorySlots) Save(_ context.Context, key string, value []byte) error {
	v := append([]byte(nil), value...)
	m.mu.Lock()
	m.slots[key] = v
	m.mu.Unlock()
	m.publish(Change{Key: key, Value: v})
	return nil
}

func (m *MemorySlots) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.slots, key)
	m.mu.Unlock()
	m.publish(Change{Key: key, Removed: true})
	return nil
}

func (m *MemorySlots) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.slots {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch delivers changes synchronously from the writing goroutine.
func (m *MemorySlots) Watch(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = memoryWatch{prefix: prefix, fn: fn}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (m *MemorySlots) publish(c Change) {
	m.mu.Lock()
	var fns []func(Change)
	for _, w := range m.watchers {
		if strings.HasPrefix(c.Key, w.prefix) {
			fns = append(fns, w.fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
