package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/mrchypark/lockingfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddIsCreateIfAbsent(t *testing.T) {
	s := New(0, log.NewNopLogger())
	ctx := context.Background()

	ok, err := s.Add(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Add(ctx, "k", 5)
	require.NoError(t, err)
	assert.False(t, ok, "second Add must not overwrite")

	n, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), n)
}

func TestStore_IncrDecr(t *testing.T) {
	s := New(4, nil)
	ctx := context.Background()

	_, err := s.Incr(ctx, "missing")
	assert.ErrorIs(t, err, lockingfs.ErrEntryNotFound)
	_, err = s.Decr(ctx, "missing")
	assert.ErrorIs(t, err, lockingfs.ErrEntryNotFound)

	_, err = s.Add(ctx, "readers", 0)
	require.NoError(t, err)

	n, err := s.Incr(ctx, "readers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "readers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.Decr(ctx, "readers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Delete(t *testing.T) {
	s := New(4, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Delete(ctx, "k"), lockingfs.ErrEntryNotFound)

	_, err := s.Add(ctx, "k", 1)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, s.Delete(ctx, "k"), lockingfs.ErrEntryNotFound)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ConcurrentIncr(t *testing.T) {
	s := New(8, nil)
	ctx := context.Background()

	const keys, perKey = 16, 200
	for i := 0; i < keys; i++ {
		_, err := s.Add(ctx, fmt.Sprintf("k%d", i), 0)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		for j := 0; j < perKey; j++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				_, err := s.Incr(ctx, key)
				assert.NoError(t, err)
			}(fmt.Sprintf("k%d", i))
		}
	}
	wg.Wait()

	for i := 0; i < keys; i++ {
		n, _, err := s.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(perKey), n)
	}
}

func TestStore_ConcurrentAddHasOneWinner(t *testing.T) {
	s := New(0, nil)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Add(ctx, "mutex", 1)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
