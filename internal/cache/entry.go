package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Entry is a cached value with its bookkeeping.
type Entry[T any] struct {
	Data      T
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
	SizeBytes int64
}

// Expired reports whether the entry is dead at now. An entry is dead from
// CreatedAt+TTL onwards.
func (e Entry[T]) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// storedEntry is the durable slot payload. Times are epoch milliseconds.
type storedEntry[T any] struct {
	Data      T     `json:"data"`
	CreatedAt int64 `json:"createdAt"`
	TTL       int64 `json:"ttl"`
	HitCount  int64 `json:"hitCount"`
	SizeBytes int64 `json:"sizeBytes"`
}

var errInvalidPayload = errors.New("invalid cache payload")

func encodeEntry[T any](e Entry[T]) ([]byte, error) {
	b, err := json.Marshal(storedEntry[T]{
		Data:      e.Data,
		CreatedAt: e.CreatedAt.UnixMilli(),
		TTL:       e.TTL.Milliseconds(),
		HitCount:  e.HitCount,
		SizeBytes: e.SizeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return b, nil
}

func decodeEntry[T any](raw []byte) (Entry[T], error) {
	var probe struct {
		Data      json.RawMessage `json:"data"`
		CreatedAt int64           `json:"createdAt"`
		TTL       int64           `json:"ttl"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Entry[T]{}, fmt.Errorf("decode entry: %w", err)
	}
	if len(probe.Data) == 0 || string(probe.Data) == "null" || probe.CreatedAt <= 0 || probe.TTL <= 0 {
		return Entry[T]{}, errInvalidPayload
	}

	var s storedEntry[T]
	if err := json.Unmarshal(raw, &s); err != nil {
		return Entry[T]{}, fmt.Errorf("decode entry: %w", err)
	}
	return Entry[T]{
		Data:      s.Data,
		CreatedAt: time.UnixMilli(s.CreatedAt),
		TTL:       time.Duration(s.TTL) * time.Millisecond,
		HitCount:  s.HitCount,
		SizeBytes: s.SizeBytes,
	}, nil
}

// estimateSize is the UTF-8 length of the JSON encoding, or twice the
// length of the printed value when encoding fails.
func estimateSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return int64(len(fmt.Sprint(v)) * 2)
	}
	return int64(len(b))
}
