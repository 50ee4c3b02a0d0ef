package lock

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

// namedLock is a reader/writer lock over a weighted semaphore. A reader takes
// one unit and a writer takes all of them. The semaphore grants requests in
// FIFO order, so a waiting writer holds back readers that arrive after it.
type namedLock struct {
	sem  *semaphore.Weighted
	size int64
}

// registry holds the named locks of the process. A name is never removed once
// created.
var registry = xsync.NewMapOf[string, *namedLock]()

func lookupNamedLock(name string, size int64) *namedLock {
	nl, _ := registry.LoadOrCompute(name, func() *namedLock {
		return &namedLock{sem: semaphore.NewWeighted(size), size: size}
	})
	return nl
}

// Native is a lockingfs.Locker over named reader/writer locks. Every Native of
// the process using the same prefix resolves a path to the same lock, so it
// serializes goroutines of one process only; use Flock or Counter across
// processes.
type Native struct {
	prefix string
	cfg    config
	logger log.Logger

	mu    sync.Mutex
	cache map[string]*namedLock
}

var _ lockingfs.Locker = (*Native)(nil)

type nativeHandle struct {
	handle
	lock   *namedLock
	weight int64
}

// NewNative creates a Native locker.
//
// The named locks live in a registry inside the current process: Go has no
// portable named reader/writer lock, so two processes using the same prefix
// do NOT exclude each other. Use Flock or Counter for cross-process locking.
func NewNative(prefix string, opts ...Option) *Native {
	cfg := newConfig(opts)
	return &Native{
		prefix: prefix,
		cfg:    cfg,
		logger: log.With(cfg.logger, "backend", "native"),
		cache:  make(map[string]*namedLock),
	}
}

// AcquireRead takes a shared hold on the named lock of path.
func (l *Native) AcquireRead(ctx context.Context, path string) (lockingfs.Handle, error) {
	return l.acquire(ctx, path, lockingfs.ModeRead)
}

// AcquireWrite takes an exclusive hold on the named lock of path.
func (l *Native) AcquireWrite(ctx context.Context, path string) (lockingfs.Handle, error) {
	return l.acquire(ctx, path, lockingfs.ModeWrite)
}

// Release gives the hold of h back to its named lock.
func (l *Native) Release(h lockingfs.Handle) error {
	nh, ok := h.(*nativeHandle)
	if !ok {
		return lockingfs.NewUnlockFailedError(pathOf(h), errForeignHandle)
	}
	if !nh.markReleased() {
		return lockingfs.NewUnlockFailedError(nh.path, errReleased)
	}
	nh.lock.sem.Release(nh.weight)
	return nil
}

func (l *Native) lockFor(key string) *namedLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	if nl, ok := l.cache[key]; ok {
		return nl
	}
	nl := lookupNamedLock(key, l.cfg.maxReaders)
	l.cache[key] = nl
	return nl
}

func (l *Native) acquire(ctx context.Context, path string, mode lockingfs.Mode) (lockingfs.Handle, error) {
	key := lockingfs.ResourceKey(l.prefix, path)
	nl := l.lockFor(key)

	weight := int64(1)
	if mode == lockingfs.ModeWrite {
		weight = nl.size
	}

	switch {
	case l.cfg.wait == lockingfs.NoWait:
		if !nl.sem.TryAcquire(weight) {
			return nil, lockingfs.NewLockUnavailableError(path, errWouldBlock)
		}
	default:
		if l.cfg.wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.cfg.wait)
			defer cancel()
		}
		if err := nl.sem.Acquire(ctx, weight); err != nil {
			level.Debug(l.logger).Log("msg", "gave up waiting for named lock", "path", path, "key", key, "mode", mode, "err", err)
			return nil, lockingfs.NewLockUnavailableError(path, err)
		}
	}

	return &nativeHandle{
		handle: handle{path: path, key: key, mode: mode},
		lock:   nl,
		weight: weight,
	}, nil
}
