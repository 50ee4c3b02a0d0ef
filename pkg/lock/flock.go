package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/flock"
	"github.com/mrchypark/lockingfs"
)

// Flock is a lockingfs.Locker backed by advisory flock(2) locks.
//
// Every resource key owns one zero-length file under <lockDir>/<prefix>.
// Each acquisition opens its own descriptor, so two handles of the same
// process exclude each other the same way two processes do. Lock files are
// never removed: another process may still hold a descriptor on them.
type Flock struct {
	dir    string
	prefix string
	cfg    config
	logger log.Logger
}

var _ lockingfs.Locker = (*Flock)(nil)

type flockHandle struct {
	handle
	fl *flock.Flock
}

// NewFlock creates a Flock storing its lock files under lockDir. An empty
// lockDir uses "lockingfs" inside os.TempDir().
func NewFlock(lockDir, prefix string, opts ...Option) (*Flock, error) {
	cfg := newConfig(opts)

	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "lockingfs")
	}
	ns, err := lockingfs.NormalizePath(prefix)
	if err != nil {
		return nil, &lockingfs.ConfigError{Message: fmt.Sprintf("invalid prefix %q: %v", prefix, err)}
	}
	dir := filepath.Join(lockDir, filepath.FromSlash(ns))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &lockingfs.ConfigError{Message: fmt.Sprintf("failed to create lock directory %q: %v", dir, err)}
	}

	return &Flock{
		dir:    dir,
		prefix: prefix,
		cfg:    cfg,
		logger: log.With(cfg.logger, "backend", "flock"),
	}, nil
}

// Dir returns the directory holding the lock files.
func (l *Flock) Dir() string {
	return l.dir
}

// AcquireRead takes a shared lock on the lock file of path.
func (l *Flock) AcquireRead(ctx context.Context, path string) (lockingfs.Handle, error) {
	return l.acquire(ctx, path, lockingfs.ModeRead)
}

// AcquireWrite takes an exclusive lock on the lock file of path.
func (l *Flock) AcquireWrite(ctx context.Context, path string) (lockingfs.Handle, error) {
	return l.acquire(ctx, path, lockingfs.ModeWrite)
}

// Release unlocks and closes the descriptor held by h.
func (l *Flock) Release(h lockingfs.Handle) error {
	fh, ok := h.(*flockHandle)
	if !ok {
		return lockingfs.NewUnlockFailedError(pathOf(h), errForeignHandle)
	}
	if !fh.markReleased() {
		return lockingfs.NewUnlockFailedError(fh.path, errReleased)
	}
	// Unlock releases the lock before closing the descriptor.
	if err := fh.fl.Unlock(); err != nil {
		level.Error(l.logger).Log("msg", "failed to unlock", "path", fh.path, "file", fh.fl.Path(), "err", err)
		return lockingfs.NewUnlockFailedError(fh.path, err)
	}
	return nil
}

func (l *Flock) lockFile(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

func (l *Flock) acquire(ctx context.Context, path string, mode lockingfs.Mode) (lockingfs.Handle, error) {
	key := lockingfs.ResourceKey(l.prefix, path)
	fl := flock.New(l.lockFile(key))

	if err := l.lock(ctx, fl, mode); err != nil {
		// A failed attempt may still have opened the file.
		_ = fl.Close()
		return nil, lockingfs.NewLockUnavailableError(path, err)
	}

	return &flockHandle{
		handle: handle{path: path, key: key, mode: mode},
		fl:     fl,
	}, nil
}

func (l *Flock) lock(ctx context.Context, fl *flock.Flock, mode lockingfs.Mode) error {
	shared := mode == lockingfs.ModeRead

	switch {
	case l.cfg.wait == lockingfs.NoWait:
		var ok bool
		var err error
		if shared {
			ok, err = fl.TryRLock()
		} else {
			ok, err = fl.TryLock()
		}
		if err != nil {
			return err
		}
		if !ok {
			return errWouldBlock
		}
		return nil

	case l.cfg.wait == lockingfs.WaitForever && ctx.Done() == nil:
		if shared {
			return fl.RLock()
		}
		return fl.Lock()

	default:
		if l.cfg.wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.cfg.wait)
			defer cancel()
		}
		var ok bool
		var err error
		if shared {
			ok, err = fl.TryRLockContext(ctx, l.cfg.pollInterval)
		} else {
			ok, err = fl.TryLockContext(ctx, l.cfg.pollInterval)
		}
		if err != nil {
			return err
		}
		if !ok {
			return errWouldBlock
		}
		return nil
	}
}
