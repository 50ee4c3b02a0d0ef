package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrchypark/lockingfs"
	"github.com/mrchypark/lockingfs/pkg/counter/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlock_LockFileLayout(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFlock(dir, "ns")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ns"), l.Dir())

	h, err := l.AcquireWrite(context.Background(), "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, lockingfs.ResourceKey("ns", "a/b.txt"), h.Key())

	file := filepath.Join(dir, "ns", h.Key()+".lock")
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	require.NoError(t, l.Release(h))

	_, err = os.Stat(file)
	assert.NoError(t, err, "lock files are kept after release")
}

func TestFlock_InvalidPrefix(t *testing.T) {
	_, err := NewFlock(t.TempDir(), "../escape")
	var cerr *lockingfs.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestFlock_UnwritableLockDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewFlock(file, "ns")
	var cerr *lockingfs.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestFlock_MissingLockDirIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFlock(dir, "ns")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, err = l.AcquireWrite(context.Background(), "a")
	assert.ErrorIs(t, err, lockingfs.ErrLockUnavailable)
}

func TestCounter_EntryLayout(t *testing.T) {
	store := memstore.New(0, nil)
	l, err := NewCounter(store, "ns")
	require.NoError(t, err)
	ctx := context.Background()
	key := lockingfs.ResourceKey("ns", "a/b.txt")

	w, err := l.AcquireWrite(ctx, "a/b.txt")
	require.NoError(t, err)
	n, ok, err := store.Get(ctx, "lockingfs:ns:w:"+key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	require.NoError(t, l.Release(w))

	_, ok, err = store.Get(ctx, "lockingfs:ns:w:"+key)
	require.NoError(t, err)
	assert.False(t, ok, "write mutex must be deleted on release")

	r, err := l.AcquireRead(ctx, "a/b.txt")
	require.NoError(t, err)
	n, ok, err = store.Get(ctx, "lockingfs:ns:r:"+key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
	_, ok, err = store.Get(ctx, "lockingfs:ns:w:"+key)
	require.NoError(t, err)
	assert.False(t, ok, "readers drop the write mutex right away")

	require.NoError(t, l.Release(r))
	n, _, err = store.Get(ctx, "lockingfs:ns:r:"+key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCounter_FailedWriterDropsMutex(t *testing.T) {
	store := memstore.New(0, nil)
	l, err := NewCounter(store, "ns", WithRetryPolicy(RetryPolicy{Interval: time.Millisecond}), WithWait(30*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	r, err := l.AcquireRead(ctx, "p")
	require.NoError(t, err)

	_, err = l.AcquireWrite(ctx, "p")
	require.ErrorIs(t, err, lockingfs.ErrLockUnavailable)

	// The writer gave up, so new readers get in.
	r2, err := l.AcquireRead(ctx, "p")
	require.NoError(t, err)

	require.NoError(t, l.Release(r))
	require.NoError(t, l.Release(r2))

	w, err := l.AcquireWrite(ctx, "p")
	require.NoError(t, err)
	assert.NoError(t, l.Release(w))
}

func TestCounter_MissingEntryOnRelease(t *testing.T) {
	store := memstore.New(0, nil)
	l, err := NewCounter(store, "ns")
	require.NoError(t, err)
	ctx := context.Background()

	w, err := l.AcquireWrite(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "lockingfs:ns:w:"+w.Key()))

	err = l.Release(w)
	assert.ErrorIs(t, err, lockingfs.ErrUnlockFailed)
	assert.ErrorIs(t, err, lockingfs.ErrEntryNotFound)

	r, err := l.AcquireRead(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "lockingfs:ns:r:"+r.Key()))

	err = l.Release(r)
	assert.ErrorIs(t, err, lockingfs.ErrUnlockFailed)
}

func TestCounter_RequiresStore(t *testing.T) {
	_, err := NewCounter(nil, "ns")
	var cerr *lockingfs.ConfigError
	assert.True(t, errors.As(err, &cerr))
}

func TestNative_SharedAcrossInstances(t *testing.T) {
	a := NewNative(t.Name(), WithWait(lockingfs.NoWait))
	b := NewNative(t.Name(), WithWait(lockingfs.NoWait))
	ctx := context.Background()

	h, err := a.AcquireWrite(ctx, "p")
	require.NoError(t, err)
	_, err = b.AcquireRead(ctx, "p")
	assert.ErrorIs(t, err, lockingfs.ErrLockUnavailable)
	require.NoError(t, a.Release(h))

	assert.Same(t, a.lockFor(h.Key()), b.lockFor(h.Key()))
}

func TestNative_MaxReaders(t *testing.T) {
	l := NewNative(t.Name(), WithWait(lockingfs.NoWait), WithMaxReaders(2))
	ctx := context.Background()

	r1, err := l.AcquireRead(ctx, "p")
	require.NoError(t, err)
	r2, err := l.AcquireRead(ctx, "p")
	require.NoError(t, err)
	_, err = l.AcquireRead(ctx, "p")
	assert.ErrorIs(t, err, lockingfs.ErrLockUnavailable)

	require.NoError(t, l.Release(r1))
	require.NoError(t, l.Release(r2))
}

func TestNative_WaitingWriterHoldsBackNewReaders(t *testing.T) {
	l := NewNative(t.Name())
	ctx := context.Background()

	r, err := l.AcquireRead(ctx, "p")
	require.NoError(t, err)

	granted := make(chan lockingfs.Handle)
	go func() {
		w, err := l.AcquireWrite(ctx, "p")
		assert.NoError(t, err)
		granted <- w
	}()
	// Let the writer queue up.
	time.Sleep(50 * time.Millisecond)

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.AcquireRead(tctx, "p")
	assert.ErrorIs(t, err, lockingfs.ErrLockUnavailable)

	require.NoError(t, l.Release(r))
	w := <-granted
	assert.NoError(t, l.Release(w))
}
