// Package memstore provides an in-process lockingfs.CounterStore.
//
// Lockers sharing one Store synchronize with each other, which makes it the
// store of choice for tests and for several filesystems inside one process.
package memstore

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
	"github.com/zeebo/xxh3"
)

// shard is one stripe of the store, guarded by its own mutex.
type shard struct {
	mu      sync.Mutex
	entries map[string]int64
}

// Store is a lockingfs.CounterStore kept in memory. Keys are spread over a
// fixed number of shards to avoid contention on a single mutex.
type Store struct {
	shards []shard
	slots  uint64
	logger log.Logger
}

var _ lockingfs.CounterStore = (*Store)(nil)

// New creates a Store with the given number of shards.
// If shards is 0 or less, it defaults to 256.
func New(shards int, logger log.Logger) *Store {
	if shards <= 0 {
		shards = 256
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		shards: make([]shard, shards),
		slots:  uint64(shards),
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]int64)
	}
	return s
}

// getShard determines which shard holds key.
func (s *Store) getShard(key string) *shard {
	return &s.shards[xxh3.HashString(key)%s.slots]
}

// Add sets key to value if it does not exist and reports whether it did so.
func (s *Store) Add(ctx context.Context, key string, value int64) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[key]; ok {
		return false, nil
	}
	sh.entries[key] = value
	return true, nil
}

// Incr adds one to key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

// Decr subtracts one from key.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *Store) add(key string, delta int64) (int64, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, ok := sh.entries[key]
	if !ok {
		level.Debug(s.logger).Log("msg", "counter entry not found", "key", key)
		return 0, lockingfs.ErrEntryNotFound
	}
	n += delta
	sh.entries[key] = n
	return n, nil
}

// Get returns the value of key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, ok := sh.entries[key]
	return n, ok, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[key]; !ok {
		return lockingfs.ErrEntryNotFound
	}
	delete(sh.entries, key)
	return nil
}

// Len returns the number of entries in the store.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
