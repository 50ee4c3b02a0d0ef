package lockingfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LockingFilesystem wraps an Adapter and takes a lock from its Locker around
// every operation.
//
// Read-class operations (Has, Read, ReadStream, ListContents and the metadata
// getters) take a read lock on their path; write-class operations take a write
// lock. Rename takes write locks on both paths, Copy a read lock on the source
// and a write lock on the destination. Two-path locks are always acquired in
// ascending path order, which gives every caller the same global order.
//
// Locks are released on every exit path. Errors from the Adapter are returned
// unchanged; a release failure after an Adapter error is logged and the
// Adapter error wins.
//
// The context passed to a WithReadLock/WithWriteLock callback, and to nested
// operations of the same LockingFilesystem, records which paths the call
// holds and in which mode. A nested operation on a held path runs under that
// lock when the held mode covers the requested one (write covers read), since
// lock backends are not re-entrant and a second acquisition would deadlock or
// double-count. Asking for a write on a path held for reading fails with
// ErrLockUpgrade. Other paths are locked as usual.
type LockingFilesystem struct {
	adapter Adapter
	locker  Locker
	logger  log.Logger
	metrics *lockMetrics
	set     *metrics.Set
}

// heldKey is the context key of the locks of fs held by the current call.
type heldKey struct{ fs *LockingFilesystem }

// heldLocks maps normalized paths to the mode they are held in. A context's
// set is never modified; markHeld derives a new one.
type heldLocks map[string]Mode

// New creates a LockingFilesystem around adapter using locker.
func New(adapter Adapter, locker Locker, logger log.Logger, opts ...Option) (*LockingFilesystem, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if adapter == nil {
		return nil, &ConfigError{"adapter is required"}
	}
	if locker == nil {
		return nil, &ConfigError{"locker is required"}
	}

	cfg := Config{Name: "default"}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}

	fs := &LockingFilesystem{
		adapter: adapter,
		locker:  locker,
		logger:  log.With(logger, "fs", cfg.Name),
		metrics: newLockMetrics(cfg.Metrics, cfg.Name),
		set:     cfg.Metrics,
	}
	level.Debug(fs.logger).Log("msg", "locking filesystem initialized")
	return fs, nil
}

// Adapter returns the wrapped adapter. Calls made on it directly bypass locking.
func (fs *LockingFilesystem) Adapter() Adapter {
	return fs.adapter
}

// Metrics returns the set the lock metrics are recorded in.
func (fs *LockingFilesystem) Metrics() *metrics.Set {
	return fs.set
}

// Has reports whether path exists.
func (fs *LockingFilesystem) Has(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := fs.withLock(ctx, ModeRead, path, func(ctx context.Context, path string) (err error) {
		ok, err = fs.adapter.Has(ctx, path)
		return err
	})
	return ok, err
}

// Read returns the contents of path.
func (fs *LockingFilesystem) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := fs.withLock(ctx, ModeRead, path, func(ctx context.Context, path string) (err error) {
		data, err = fs.adapter.Read(ctx, path)
		return err
	})
	return data, err
}

// ReadStream returns a stream of the contents of path. The read lock is held
// until the stream is closed.
func (fs *LockingFilesystem) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	covered, err := fs.covered(ctx, ModeRead, path)
	if err != nil {
		return nil, err
	}
	if covered {
		return fs.adapter.ReadStream(ctx, path)
	}

	h, err := fs.acquire(ctx, ModeRead, path)
	if err != nil {
		return nil, err
	}
	rc, err := fs.adapter.ReadStream(fs.markHeld(ctx, path, ModeRead), path)
	if err != nil {
		return nil, fs.release(h, err)
	}
	return newLockedReadCloser(rc, func() error { return fs.release(h, nil) }), nil
}

// ListContents lists the entries of dir under a read lock on dir.
func (fs *LockingFilesystem) ListContents(ctx context.Context, dir string, recursive bool) ([]Metadata, error) {
	var entries []Metadata
	err := fs.withLock(ctx, ModeRead, dir, func(ctx context.Context, dir string) (err error) {
		entries, err = fs.adapter.ListContents(ctx, dir, recursive)
		return err
	})
	return entries, err
}

// GetMetadata returns the metadata of path.
func (fs *LockingFilesystem) GetMetadata(ctx context.Context, path string) (*Metadata, error) {
	var meta *Metadata
	err := fs.withLock(ctx, ModeRead, path, func(ctx context.Context, path string) (err error) {
		meta, err = fs.adapter.GetMetadata(ctx, path)
		return err
	})
	return meta, err
}

// GetSize returns the size of path in bytes.
func (fs *LockingFilesystem) GetSize(ctx context.Context, path string) (int64, error) {
	meta, err := fs.GetMetadata(ctx, path)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// GetMimetype returns the mimetype of path.
func (fs *LockingFilesystem) GetMimetype(ctx context.Context, path string) (string, error) {
	meta, err := fs.GetMetadata(ctx, path)
	if err != nil {
		return "", err
	}
	return meta.Mimetype, nil
}

// GetTimestamp returns the last modification time of path.
func (fs *LockingFilesystem) GetTimestamp(ctx context.Context, path string) (time.Time, error) {
	meta, err := fs.GetMetadata(ctx, path)
	if err != nil {
		return time.Time{}, err
	}
	return meta.Timestamp, nil
}

// GetVisibility returns the visibility of path.
func (fs *LockingFilesystem) GetVisibility(ctx context.Context, path string) (Visibility, error) {
	meta, err := fs.GetMetadata(ctx, path)
	if err != nil {
		return "", err
	}
	return meta.Visibility, nil
}

// Write creates path with contents. It returns ErrFileExists if path exists.
func (fs *LockingFilesystem) Write(ctx context.Context, path string, contents []byte, cfg WriteConfig) error {
	return fs.WriteStream(ctx, path, bytes.NewReader(contents), cfg)
}

// WriteStream creates path from r. It returns ErrFileExists if path exists.
func (fs *LockingFilesystem) WriteStream(ctx context.Context, path string, r io.Reader, cfg WriteConfig) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) error {
		if err := fs.assertAbsent(ctx, path); err != nil {
			return err
		}
		return fs.adapter.Write(ctx, path, r, cfg)
	})
}

// Update replaces the contents of path. It returns ErrFileNotFound if path
// does not exist.
func (fs *LockingFilesystem) Update(ctx context.Context, path string, contents []byte, cfg WriteConfig) error {
	return fs.UpdateStream(ctx, path, bytes.NewReader(contents), cfg)
}

// UpdateStream replaces the contents of path from r. It returns
// ErrFileNotFound if path does not exist.
func (fs *LockingFilesystem) UpdateStream(ctx context.Context, path string, r io.Reader, cfg WriteConfig) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) error {
		if err := fs.assertPresent(ctx, path); err != nil {
			return err
		}
		return fs.adapter.Write(ctx, path, r, cfg)
	})
}

// Put creates or replaces path with contents.
func (fs *LockingFilesystem) Put(ctx context.Context, path string, contents []byte, cfg WriteConfig) error {
	return fs.PutStream(ctx, path, bytes.NewReader(contents), cfg)
}

// PutStream creates or replaces path from r.
func (fs *LockingFilesystem) PutStream(ctx context.Context, path string, r io.Reader, cfg WriteConfig) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) error {
		return fs.adapter.Write(ctx, path, r, cfg)
	})
}

// ReadAndDelete returns the contents of path and deletes it, both under one
// write lock.
func (fs *LockingFilesystem) ReadAndDelete(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) (err error) {
		if data, err = fs.Read(ctx, path); err != nil {
			return err
		}
		return fs.Delete(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes path. It returns ErrFileNotFound if path does not exist.
func (fs *LockingFilesystem) Delete(ctx context.Context, path string) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) error {
		if err := fs.assertPresent(ctx, path); err != nil {
			return err
		}
		return fs.adapter.Delete(ctx, path)
	})
}

// CreateDir creates dir and any missing parents.
func (fs *LockingFilesystem) CreateDir(ctx context.Context, dir string, cfg WriteConfig) error {
	return fs.withLock(ctx, ModeWrite, dir, func(ctx context.Context, dir string) error {
		return fs.adapter.CreateDir(ctx, dir, cfg)
	})
}

// DeleteDir removes dir and everything below it. Deleting the root returns
// ErrRootViolation.
func (fs *LockingFilesystem) DeleteDir(ctx context.Context, dir string) error {
	return fs.withLock(ctx, ModeWrite, dir, func(ctx context.Context, dir string) error {
		if dir == "" {
			return ErrRootViolation
		}
		return fs.adapter.DeleteDir(ctx, dir)
	})
}

// SetVisibility changes the visibility of path.
func (fs *LockingFilesystem) SetVisibility(ctx context.Context, path string, v Visibility) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, path string) error {
		return fs.adapter.SetVisibility(ctx, path, v)
	})
}

// Rename moves from to to. from must exist and to must not.
func (fs *LockingFilesystem) Rename(ctx context.Context, from, to string) error {
	return fs.withPairLock(ctx, ModeWrite, from, to, func(ctx context.Context, from, to string) error {
		if err := fs.assertPresent(ctx, from); err != nil {
			return err
		}
		if err := fs.assertAbsent(ctx, to); err != nil {
			return err
		}
		return fs.adapter.Rename(ctx, from, to)
	})
}

// Copy duplicates from to to. from must exist and to must not.
func (fs *LockingFilesystem) Copy(ctx context.Context, from, to string) error {
	return fs.withPairLock(ctx, ModeRead, from, to, func(ctx context.Context, from, to string) error {
		if err := fs.assertPresent(ctx, from); err != nil {
			return err
		}
		if err := fs.assertAbsent(ctx, to); err != nil {
			return err
		}
		return fs.adapter.Copy(ctx, from, to)
	})
}

// WithReadLock runs fn under a read lock on path. Reads of path through fs
// with the context passed to fn do not lock again; writes to path fail with
// ErrLockUpgrade.
func (fs *LockingFilesystem) WithReadLock(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	return fs.withLock(ctx, ModeRead, path, func(ctx context.Context, _ string) error {
		return fn(ctx)
	})
}

// WithWriteLock runs fn under a write lock on path. Operations of fs on path
// with the context passed to fn do not lock again, which makes
// read-modify-write sequences atomic with respect to other callers.
func (fs *LockingFilesystem) WithWriteLock(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	return fs.withLock(ctx, ModeWrite, path, func(ctx context.Context, _ string) error {
		return fn(ctx)
	})
}

// --- locking protocol ---

// covered reports whether the call of ctx already holds path in mode or a
// stronger one. A read lock held where a write lock is wanted is an error.
func (fs *LockingFilesystem) covered(ctx context.Context, mode Mode, path string) (bool, error) {
	held, _ := ctx.Value(heldKey{fs}).(heldLocks)
	m, ok := held[path]
	if !ok {
		return false, nil
	}
	if m < mode {
		return false, NewLockUnavailableError(path, ErrLockUpgrade)
	}
	return true, nil
}

func (fs *LockingFilesystem) markHeld(ctx context.Context, path string, mode Mode) context.Context {
	prev, _ := ctx.Value(heldKey{fs}).(heldLocks)
	next := make(heldLocks, len(prev)+1)
	for p, m := range prev {
		next[p] = m
	}
	if m, ok := next[path]; !ok || m < mode {
		next[path] = mode
	}
	return context.WithValue(ctx, heldKey{fs}, next)
}

// withLock normalizes path, locks it in mode unless the call already holds
// it, and runs fn with the normalized path.
func (fs *LockingFilesystem) withLock(ctx context.Context, mode Mode, path string, fn func(ctx context.Context, path string) error) (err error) {
	if path, err = NormalizePath(path); err != nil {
		return err
	}
	covered, err := fs.covered(ctx, mode, path)
	if err != nil {
		return err
	}
	if covered {
		return fn(ctx, path)
	}

	var h Handle
	if h, err = fs.acquire(ctx, mode, path); err != nil {
		return err
	}
	defer func() { err = fs.release(h, err) }()

	return fn(fs.markHeld(ctx, path, mode), path)
}

// withPairLock locks from in srcMode and to in write mode, in ascending path
// order, and runs fn with both normalized paths. Paths the call already holds
// in a covering mode are not locked again.
func (fs *LockingFilesystem) withPairLock(ctx context.Context, srcMode Mode, from, to string, fn func(ctx context.Context, from, to string) error) (err error) {
	if from, err = NormalizePath(from); err != nil {
		return err
	}
	if to, err = NormalizePath(to); err != nil {
		return err
	}

	type request struct {
		mode Mode
		path string
	}
	reqs := []request{{srcMode, from}, {ModeWrite, to}}
	switch {
	case from == to:
		reqs = []request{{ModeWrite, from}}
	case to < from:
		reqs[0], reqs[1] = reqs[1], reqs[0]
	}

	// Check every path before taking any lock.
	pending := reqs[:0:0]
	for _, r := range reqs {
		covered, err := fs.covered(ctx, r.mode, r.path)
		if err != nil {
			return err
		}
		if !covered {
			pending = append(pending, r)
		}
	}

	held := ctx
	for _, r := range pending {
		var h Handle
		if h, err = fs.acquire(ctx, r.mode, r.path); err != nil {
			return err
		}
		defer func() { err = fs.release(h, err) }()
		held = fs.markHeld(held, r.path, r.mode)
	}

	return fn(held, from, to)
}

func (fs *LockingFilesystem) acquire(ctx context.Context, mode Mode, path string) (Handle, error) {
	start := time.Now()

	var h Handle
	var err error
	if mode == ModeWrite {
		h, err = fs.locker.AcquireWrite(ctx, path)
	} else {
		h, err = fs.locker.AcquireRead(ctx, path)
	}
	if err != nil {
		if !errors.Is(err, ErrLockUnavailable) {
			err = NewLockUnavailableError(path, err)
		}
		fs.metrics.unavailable(mode)
		level.Warn(fs.logger).Log("msg", "lock unavailable", "path", path, "mode", mode, "err", err)
		return nil, err
	}

	fs.metrics.acquired(mode, time.Since(start))
	level.Debug(fs.logger).Log("msg", "lock acquired", "path", path, "key", h.Key(), "mode", mode)
	return h, nil
}

// release releases h. opErr is the outcome of the locked operation; when it
// is non-nil it is returned and a release failure is only logged.
func (fs *LockingFilesystem) release(h Handle, opErr error) error {
	err := fs.locker.Release(h)
	if err == nil {
		level.Debug(fs.logger).Log("msg", "lock released", "path", h.Path(), "key", h.Key(), "mode", h.Mode())
		return opErr
	}
	if !errors.Is(err, ErrUnlockFailed) {
		err = NewUnlockFailedError(h.Path(), err)
	}

	fs.metrics.unlockFailed(h.Mode())
	level.Error(fs.logger).Log("msg", "failed to release lock", "path", h.Path(), "key", h.Key(), "mode", h.Mode(), "err", err)
	if opErr != nil {
		return opErr
	}
	return err
}

// assertPresent and assertAbsent talk to the adapter directly; they run while
// the operation's locks are held.
func (fs *LockingFilesystem) assertPresent(ctx context.Context, path string) error {
	ok, err := fs.adapter.Has(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return nil
}

func (fs *LockingFilesystem) assertAbsent(ctx context.Context, path string) error {
	ok, err := fs.adapter.Has(ctx, path)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrFileExists, path)
	}
	return nil
}

// lockedReadCloser releases a lock when the wrapped stream is closed.
type lockedReadCloser struct {
	io.ReadCloser
	once    sync.Once
	release func() error
	err     error
}

func newLockedReadCloser(rc io.ReadCloser, release func() error) io.ReadCloser {
	return &lockedReadCloser{ReadCloser: rc, release: release}
}

func (lrc *lockedReadCloser) Close() error {
	lrc.once.Do(func() {
		closeErr := lrc.ReadCloser.Close()
		releaseErr := lrc.release()
		if closeErr != nil {
			lrc.err = closeErr
		} else {
			lrc.err = releaseErr
		}
	})
	return lrc.err
}
