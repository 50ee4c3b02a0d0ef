// Package worker runs lock workloads on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	// ErrShutdownTimeout is returned when running jobs do not finish before the shutdown deadline.
	ErrShutdownTimeout = errors.New("worker: shutdown timed out")
	// ErrClosed is returned when a job is submitted after Shutdown.
	ErrClosed = errors.New("worker: manager is shut down")
)

// Job is a unit of work. It captures everything it needs in its closure and
// must honour ctx, which carries the per-job timeout.
type Job func(ctx context.Context)

// Strategy decides how submitted jobs are scheduled.
type Strategy interface {
	// Submit enqueues job without blocking. It reports false when the job was dropped.
	Submit(job Job) bool
	// SubmitWait blocks until job is enqueued, ctx is done or the strategy is shut down.
	SubmitWait(ctx context.Context, job Job) error
	Shutdown(timeout time.Duration) error
}

// Manager hands jobs to a Strategy.
type Manager struct {
	strategy Strategy
	logger   log.Logger
}

// NewManager creates a manager backed by the named strategy ("pool" or "all").
// jobTimeout bounds each job; it defaults to 30 seconds.
func NewManager(strategyType string, logger log.Logger, poolSize int, queueSize int, jobTimeout time.Duration) (*Manager, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	var strategy Strategy
	switch strategyType {
	case "all":
		strategy = NewAllStrategy(logger, jobTimeout)
	case "pool":
		strategy = NewPoolStrategy(logger, poolSize, queueSize, jobTimeout)
	default:
		level.Info(logger).Log("msg", "unknown strategy, defaulting to 'pool'", "strategy", strategyType)
		strategy = NewPoolStrategy(logger, poolSize, queueSize, jobTimeout)
	}

	return &Manager{
		strategy: strategy,
		logger:   logger,
	}, nil
}

// Submit passes job to the strategy without blocking.
func (m *Manager) Submit(job Job) bool {
	return m.strategy.Submit(job)
}

// SubmitWait passes job to the strategy, waiting for queue space.
func (m *Manager) SubmitWait(ctx context.Context, job Job) error {
	return m.strategy.SubmitWait(ctx, job)
}

// Shutdown stops accepting jobs and waits up to timeout for queued ones to finish.
func (m *Manager) Shutdown(timeout time.Duration) error {
	level.Debug(m.logger).Log("msg", "shutting down worker manager")
	err := m.strategy.Shutdown(timeout)
	if err != nil {
		level.Error(m.logger).Log("msg", "error during shutdown", "err", err)
		return err
	}
	level.Debug(m.logger).Log("msg", "worker manager shutdown complete")
	return nil
}

func waitGroupDone(wait func(), timeout time.Duration) bool {
	doneCh := make(chan struct{})
	go func() {
		wait()
		close(doneCh)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-doneCh:
		return true
	case <-timer.C:
		return false
	}
}
