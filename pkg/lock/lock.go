// Package lock provides lockingfs.Locker backends.
//
//   - Flock takes advisory flock(2) locks on one lock file per resource key.
//     It serializes processes on one host.
//   - Counter implements a reader/writer lock over a lockingfs.CounterStore
//     (Redis, memcached or in-process) with a write mutex entry and a reader
//     counter entry per resource key.
//   - Native uses a named reader/writer lock shared by every Native locker of
//     the process.
//
// All backends block by default. WithWait bounds the wait; when it elapses the
// acquisition fails with lockingfs.ErrLockUnavailable.
package lock

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/mrchypark/lockingfs"
)

var (
	errWouldBlock    = errors.New("lock: held by another owner")
	errReleased      = errors.New("lock: handle already released")
	errForeignHandle = errors.New("lock: handle was not issued by this locker")
)

// handle is the part shared by every backend's lockingfs.Handle.
type handle struct {
	path     string
	key      string
	mode     lockingfs.Mode
	released atomic.Bool
}

func (h *handle) Path() string         { return h.path }
func (h *handle) Key() string          { return h.key }
func (h *handle) Mode() lockingfs.Mode { return h.mode }

// markReleased reports whether this call is the first release of h.
func (h *handle) markReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

func pathOf(h lockingfs.Handle) string {
	if h == nil {
		return ""
	}
	return h.Path()
}

// config holds the settings shared by the backends. Each backend reads the
// fields that apply to it.
type config struct {
	logger       log.Logger
	wait         time.Duration
	waitSet      bool
	pollInterval time.Duration
	retry        RetryPolicy
	maxReaders   int64
}

func defaultConfig() config {
	return config{
		logger:       log.NewNopLogger(),
		wait:         lockingfs.WaitForever,
		pollInterval: 10 * time.Millisecond,
		maxReaders:   1 << 20,
	}
}

// newConfig applies opts in order, then folds an explicit wait bound into the
// retry policy so that the result does not depend on option order.
func newConfig(opts []Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.waitSet {
		switch {
		case c.wait == lockingfs.WaitForever:
			c.retry.MaxAttempts, c.retry.Timeout = 0, 0
		case c.wait == lockingfs.NoWait:
			c.retry.MaxAttempts, c.retry.Timeout = 1, 0
		default:
			c.retry.MaxAttempts, c.retry.Timeout = 0, c.wait
		}
	}
	return c
}

// Option configures a backend.
type Option func(*config)

// WithLogger sets the logger a backend reports acquisitions and releases to.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWait bounds how long an acquisition may wait. lockingfs.WaitForever
// (the default) waits until the lock is granted or the context is done,
// lockingfs.NoWait fails at once if the lock is held.
//
// For Counter, an explicit wait replaces the MaxAttempts and Timeout of the
// retry policy whatever the option order: NoWait becomes a single attempt and
// a positive wait a timeout. The policy's Interval is kept.
func WithWait(wait time.Duration) Option {
	return func(c *config) {
		if wait < 0 {
			wait = lockingfs.WaitForever
		}
		c.wait = wait
		c.waitSet = true
	}
}

// WithPollInterval sets how often Flock retries a held lock while waiting
// with a bound or a cancellable context. Defaults to 10ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetryPolicy sets the busy-wait policy of Counter. MaxAttempts and
// Timeout are overridden when WithWait is also given.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *config) {
		c.retry = p
	}
}

// WithMaxReaders sets how many concurrent readers a Native lock admits.
// Defaults to 1<<20.
func WithMaxReaders(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxReaders = n
		}
	}
}
