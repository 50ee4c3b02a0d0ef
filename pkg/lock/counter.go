package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
)

// Counter is a lockingfs.Locker built on two entries of a shared
// lockingfs.CounterStore per resource key: a write mutex, created with an
// atomic create-if-absent, and a reader counter.
//
// A reader takes the mutex, increments the reader counter and drops the mutex
// again. A writer takes the mutex, keeps it, and waits for the reader counter
// to drain. Both waits busy-poll the store under the configured RetryPolicy.
//
// There is no writer priority: a steady stream of readers can keep a waiting
// writer out indefinitely.
type Counter struct {
	store  lockingfs.CounterStore
	prefix string
	ns     string
	cfg    config
	logger log.Logger
}

var _ lockingfs.Locker = (*Counter)(nil)

type counterHandle struct {
	handle
	entry string
}

// NewCounter creates a Counter over store. Lockers sharing a store and a
// prefix synchronize with each other.
func NewCounter(store lockingfs.CounterStore, prefix string, opts ...Option) (*Counter, error) {
	if store == nil {
		return nil, &lockingfs.ConfigError{Message: "counter store is required"}
	}
	cfg := newConfig(opts)
	return &Counter{
		store:  store,
		prefix: prefix,
		ns:     "lockingfs:" + prefix,
		cfg:    cfg,
		logger: log.With(cfg.logger, "backend", "counter"),
	}, nil
}

func (l *Counter) mutexKey(key string) string  { return l.ns + ":w:" + key }
func (l *Counter) readersKey(key string) string { return l.ns + ":r:" + key }

// AcquireRead registers a reader of path.
func (l *Counter) AcquireRead(ctx context.Context, path string) (lockingfs.Handle, error) {
	key := lockingfs.ResourceKey(l.prefix, path)
	mutex, readers := l.mutexKey(key), l.readersKey(key)

	if err := l.lockMutex(ctx, mutex); err != nil {
		return nil, lockingfs.NewLockUnavailableError(path, err)
	}

	if err := l.addReader(ctx, readers); err != nil {
		if delErr := l.store.Delete(context.WithoutCancel(ctx), mutex); delErr != nil {
			level.Error(l.logger).Log("msg", "failed to drop write mutex", "path", path, "key", key, "err", delErr)
		}
		return nil, lockingfs.NewLockUnavailableError(path, err)
	}

	if err := l.store.Delete(context.WithoutCancel(ctx), mutex); err != nil {
		// Without the mutex gone no writer can ever enter; undo the registration.
		if _, decErr := l.store.Decr(context.WithoutCancel(ctx), readers); decErr != nil {
			level.Error(l.logger).Log("msg", "failed to undo reader registration", "path", path, "key", key, "err", decErr)
		}
		return nil, lockingfs.NewLockUnavailableError(path, fmt.Errorf("drop write mutex: %w", err))
	}

	return &counterHandle{
		handle: handle{path: path, key: key, mode: lockingfs.ModeRead},
		entry:  readers,
	}, nil
}

// AcquireWrite takes the write mutex of path and waits until no reader holds it.
func (l *Counter) AcquireWrite(ctx context.Context, path string) (lockingfs.Handle, error) {
	key := lockingfs.ResourceKey(l.prefix, path)
	mutex, readers := l.mutexKey(key), l.readersKey(key)

	// One policy instance bounds both phases.
	retry := l.cfg.retry.start()

	if err := retry.Retry(ctx, func() (bool, error) {
		return l.store.Add(ctx, mutex, 1)
	}); err != nil {
		return nil, lockingfs.NewLockUnavailableError(path, err)
	}

	err := retry.Retry(ctx, func() (bool, error) {
		n, ok, err := l.store.Get(ctx, readers)
		if err != nil {
			return false, err
		}
		return !ok || n <= 0, nil
	})
	if err != nil {
		if delErr := l.store.Delete(context.WithoutCancel(ctx), mutex); delErr != nil {
			level.Error(l.logger).Log("msg", "failed to drop write mutex", "path", path, "key", key, "err", delErr)
		}
		return nil, lockingfs.NewLockUnavailableError(path, err)
	}

	return &counterHandle{
		handle: handle{path: path, key: key, mode: lockingfs.ModeWrite},
		entry:  mutex,
	}, nil
}

// Release decrements the reader counter of a read handle or deletes the write
// mutex of a write handle. A missing entry fails with ErrUnlockFailed.
func (l *Counter) Release(h lockingfs.Handle) error {
	ch, ok := h.(*counterHandle)
	if !ok {
		return lockingfs.NewUnlockFailedError(pathOf(h), errForeignHandle)
	}
	if !ch.markReleased() {
		return lockingfs.NewUnlockFailedError(ch.path, errReleased)
	}

	ctx := context.Background()
	var err error
	if ch.mode == lockingfs.ModeWrite {
		err = l.store.Delete(ctx, ch.entry)
	} else {
		_, err = l.store.Decr(ctx, ch.entry)
	}
	if err != nil {
		if errors.Is(err, lockingfs.ErrEntryNotFound) {
			level.Error(l.logger).Log("msg", "lock entry missing on release", "path", ch.path, "key", ch.key, "mode", ch.mode)
		}
		return lockingfs.NewUnlockFailedError(ch.path, err)
	}
	return nil
}

func (l *Counter) lockMutex(ctx context.Context, mutex string) error {
	return l.cfg.retry.Retry(ctx, func() (bool, error) {
		return l.store.Add(ctx, mutex, 1)
	})
}

// addReader creates the reader counter if needed and increments it. An entry
// evicted between the two steps is recreated.
func (l *Counter) addReader(ctx context.Context, readers string) error {
	for {
		if _, err := l.store.Add(ctx, readers, 0); err != nil {
			return err
		}
		_, err := l.store.Incr(ctx, readers)
		if !errors.Is(err, lockingfs.ErrEntryNotFound) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
