package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/voyagen/mayotv/internal/logger"
)

// BadgerSlots keeps slots in an embedded Badger database. An empty path
// opens an in-memory database.
type BadgerSlots struct {
	db  *badger.DB
	log logger.Logger
}

func OpenBadger(path string, log logger.Logger) (*BadgerSlots, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerSlots{db: db, log: log.Component("slots.badger")}, nil
}

func (s *BadgerSlots) Close() error {
	return s.db.Close()
}

func (s *BadgerSlots) Load(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerSlots) Save(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (s *BadgerSlots) Remove(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (s *BadgerSlots) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Watch follows committed writes under prefix. Deletions arrive with an
// empty value and are reported as removals.
func (s *BadgerSlots) Watch(ctx context.Context, prefix string, fn func(Change)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	matches := []pb.Match{{Prefix: []byte(prefix)}}

	go func() {
		err := s.db.Subscribe(ctx, func(list *badger.KVList) error {
			for _, kv := range list.Kv {
				if len(kv.Value) == 0 {
					fn(Change{Key: string(kv.Key), Removed: true})
					continue
				}
				fn(Change{Key: string(kv.Key), Value: kv.Value})
			}
			return nil
		}, matches)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("subscription ended")
		}
	}()

	return cancel, nil
}
