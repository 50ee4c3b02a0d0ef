// Package memcachedstore provides a lockingfs.CounterStore on memcached.
//
// memcached may evict entries under memory pressure. An evicted write mutex
// lets a second writer in, so the server must be sized to never evict lock
// entries.
package memcachedstore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
)

// MemcachedStore is a Memcached-based implementation of lockingfs.CounterStore.
type MemcachedStore struct {
	client *memcache.Client
	logger log.Logger
}

var _ lockingfs.CounterStore = (*MemcachedStore)(nil)

// New creates a new MemcachedStore.
func New(client *memcache.Client, logger log.Logger) *MemcachedStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MemcachedStore{
		client: client,
		logger: logger,
	}
}

// Add stores key with value unless it already exists.
func (ms *MemcachedStore) Add(ctx context.Context, key string, value int64) (bool, error) {
	err := ms.client.Add(&memcache.Item{Key: key, Value: []byte(strconv.FormatInt(value, 10))})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, memcache.ErrNotStored):
		return false, nil
	default:
		return false, err
	}
}

// Incr adds one to an existing key.
func (ms *MemcachedStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := ms.client.Increment(key, 1)
	return ms.counterResult(key, n, err)
}

// Decr subtracts one from an existing key. memcached never goes below zero.
func (ms *MemcachedStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := ms.client.Decrement(key, 1)
	return ms.counterResult(key, n, err)
}

func (ms *MemcachedStore) counterResult(key string, n uint64, err error) (int64, error) {
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, lockingfs.ErrEntryNotFound
		}
		level.Error(ms.logger).Log("msg", "failed to update counter in memcached", "key", key, "err", err)
		return 0, err
	}
	return int64(n), nil
}

// Get returns the value of key and whether it exists.
func (ms *MemcachedStore) Get(ctx context.Context, key string) (int64, bool, error) {
	item, err := ms.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, false, nil
		}
		return 0, false, err
	}
	// A decremented value keeps its old width, padded with spaces.
	n, err := strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Delete removes key.
func (ms *MemcachedStore) Delete(ctx context.Context, key string) error {
	err := ms.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return lockingfs.ErrEntryNotFound
	}
	return err
}
