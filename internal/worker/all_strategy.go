package worker

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// AllStrategy starts a goroutine for every submitted job.
type AllStrategy struct {
	logger  log.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ Strategy = (*AllStrategy)(nil)

func NewAllStrategy(logger log.Logger, timeout time.Duration) *AllStrategy {
	return &AllStrategy{
		logger:  logger,
		timeout: timeout,
	}
}

func (s *AllStrategy) run(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		job(ctx)
	}()
	return true
}

func (s *AllStrategy) Submit(job Job) bool {
	return s.run(job)
}

func (s *AllStrategy) SubmitWait(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.run(job) {
		return ErrClosed
	}
	return nil
}

// Shutdown waits for every running job, failing after timeout.
func (s *AllStrategy) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if !waitGroupDone(s.wg.Wait, timeout) {
		level.Error(s.logger).Log("msg", "AllStrategy shutdown timed out", "timeout", timeout)
		return ErrShutdownTimeout
	}
	return nil
}
