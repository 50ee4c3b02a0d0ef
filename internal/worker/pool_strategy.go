package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// PoolStrategy runs jobs on a fixed number of workers fed by a bounded queue.
type PoolStrategy struct {
	logger   log.Logger
	timeout  time.Duration
	poolSize int
	jobs     chan Job
	wg       sync.WaitGroup

	// mu guards closed and the close of jobs against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

var _ Strategy = (*PoolStrategy)(nil)

func NewPoolStrategy(logger log.Logger, poolSize int, queueSize int, timeout time.Duration) *PoolStrategy {
	if poolSize <= 0 {
		poolSize = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	p := &PoolStrategy{
		logger:   logger,
		poolSize: poolSize,
		timeout:  timeout,
		jobs:     make(chan Job, queueSize),
	}
	p.start()
	return p
}

// start launches the workers. Each drains the queue until it is closed.
func (p *PoolStrategy) start() {
	p.wg.Add(p.poolSize)
	for i := 0; i < p.poolSize; i++ {
		go func(workerID int) {
			defer p.wg.Done()
			logger := log.With(p.logger, "worker_id", workerID)
			level.Debug(logger).Log("msg", "worker started")

			for job := range p.jobs {
				ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
				job(ctx)
				cancel()
			}
			level.Debug(logger).Log("msg", "worker stopped")
		}(i)
	}
}

// Submit drops the job when the queue is full or the pool is shut down.
func (p *PoolStrategy) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		level.Warn(p.logger).Log("msg", "worker pool is shut down, dropping job")
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		level.Warn(p.logger).Log("msg", "worker queue is full, dropping job")
		return false
	}
}

func (p *PoolStrategy) SubmitWait(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the queue and waits for the workers to drain it.
func (p *PoolStrategy) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	if !waitGroupDone(p.wg.Wait, timeout) {
		level.Error(p.logger).Log("msg", "shutdown timed out", "timeout", timeout)
		return ErrShutdownTimeout
	}
	return nil
}
