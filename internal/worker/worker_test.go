package worker

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerManager_NewManager verifies the manager picks the requested strategy.
func TestWorkerManager_NewManager(t *testing.T) {
	testCases := []struct {
		name         string
		strategy     string
		pSize        int
		qSize        int
		expectedType interface{}
	}{
		{"Pool Strategy", "pool", 1, 1, &PoolStrategy{}},
		{"All Strategy", "all", 1, 1, &AllStrategy{}},
		{"Invalid Strategy Should Default to Pool", "invalid-strategy", 1, 1, &PoolStrategy{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager, err := NewManager(tc.strategy, log.NewNopLogger(), tc.pSize, tc.qSize, 1*time.Second)
			require.NoError(t, err)
			defer manager.Shutdown(1 * time.Second)

			assert.IsType(t, tc.expectedType, manager.strategy)
		})
	}
}

func TestWorkerManager_SubmitAndRun(t *testing.T) {
	for _, strategy := range []string{"pool", "all"} {
		t.Run(strategy, func(t *testing.T) {
			manager, err := NewManager(strategy, log.NewNopLogger(), 1, 10, 1*time.Second)
			require.NoError(t, err)
			defer manager.Shutdown(1 * time.Second)

			var counter int32
			jobDone := make(chan bool)

			require.True(t, manager.Submit(func(ctx context.Context) {
				atomic.AddInt32(&counter, 1)
				jobDone <- true
			}))

			select {
			case <-jobDone:
			case <-time.After(1 * time.Second):
				t.Fatal("Job did not complete in time")
			}

			assert.Equal(t, int32(1), atomic.LoadInt32(&counter))
		})
	}
}

// TestWorkerManager_Shutdown_Success verifies Shutdown returns cleanly once
// every job finishes inside the deadline.
func TestWorkerManager_Shutdown_Success(t *testing.T) {
	manager, err := NewManager("pool", log.NewNopLogger(), 1, 1, 5*time.Second)
	require.NoError(t, err)

	jobDone := make(chan struct{})
	manager.Submit(func(ctx context.Context) {
		time.Sleep(50 * time.Millisecond)
		close(jobDone)
	})

	require.NoError(t, manager.Shutdown(500*time.Millisecond), "Shutdown should succeed without a timeout error")

	select {
	case <-jobDone:
	default:
		t.Fatal("Shutdown returned success, but the job did not complete")
	}
}

func TestWorkerManager_Shutdown_Timeout(t *testing.T) {
	for _, strategy := range []string{"pool", "all"} {
		t.Run(strategy, func(t *testing.T) {
			manager, err := NewManager(strategy, log.NewNopLogger(), 1, 1, 5*time.Second)
			require.NoError(t, err)

			manager.Submit(func(ctx context.Context) {
				time.Sleep(200 * time.Millisecond)
			})

			shutdownErr := manager.Shutdown(50 * time.Millisecond)
			assert.ErrorIs(t, shutdownErr, ErrShutdownTimeout)
		})
	}
}

// TestWorkerManager_JobTimeout verifies the job context is cancelled after the job timeout.
func TestWorkerManager_JobTimeout(t *testing.T) {
	manager, err := NewManager("pool", log.NewNopLogger(), 1, 6, 10*time.Millisecond)
	require.NoError(t, err)
	defer manager.Shutdown(1 * time.Second)

	jobCanceled := make(chan bool)
	manager.Submit(func(ctx context.Context) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			jobCanceled <- true
		}
	})

	select {
	case <-jobCanceled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Job was not canceled by timeout")
	}
}

// TestWorkerPool_JobDroppingOnFullQueue verifies Submit rejects jobs once the queue is full.
func TestWorkerPool_JobDroppingOnFullQueue(t *testing.T) {
	manager, err := NewManager("pool", log.NewNopLogger(), 1, 1, 1*time.Second)
	require.NoError(t, err)
	defer manager.Shutdown(1 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var thirdJobExecuted atomic.Bool

	require.True(t, manager.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.True(t, manager.Submit(func(ctx context.Context) {}), "queue has one free slot")
	assert.False(t, manager.Submit(func(ctx context.Context) {
		thirdJobExecuted.Store(true)
	}), "queue is full")

	close(release)
	require.NoError(t, manager.Shutdown(time.Second))
	assert.False(t, thirdJobExecuted.Load(), "a job submitted to a full queue must not run")
}

func TestWorkerPool_SubmitWait(t *testing.T) {
	manager, err := NewManager("pool", log.NewNopLogger(), 2, 1, 1*time.Second)
	require.NoError(t, err)

	var jobsDone atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, manager.SubmitWait(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			jobsDone.Add(1)
		}))
	}
	require.NoError(t, manager.Shutdown(2*time.Second))
	assert.Equal(t, int32(50), jobsDone.Load(), "SubmitWait never drops jobs")
}

func TestWorkerPool_SubmitWaitHonoursContext(t *testing.T) {
	manager, err := NewManager("pool", log.NewNopLogger(), 1, 1, 1*time.Second)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	manager.Submit(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started
	manager.Submit(func(ctx context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = manager.SubmitWait(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, manager.Shutdown(time.Second))
}

func TestWorkerManager_SubmitAfterShutdown(t *testing.T) {
	for _, strategy := range []string{"pool", "all"} {
		t.Run(strategy, func(t *testing.T) {
			manager, err := NewManager(strategy, log.NewNopLogger(), 1, 1, time.Second)
			require.NoError(t, err)
			require.NoError(t, manager.Shutdown(time.Second))
			require.NoError(t, manager.Shutdown(time.Second), "Shutdown is idempotent")

			assert.False(t, manager.Submit(func(ctx context.Context) {}))
			assert.ErrorIs(t, manager.SubmitWait(context.Background(), func(ctx context.Context) {}), ErrClosed)
		})
	}
}

// TestShutdown_WithFullQueue verifies every queued job runs before Shutdown returns.
func TestShutdown_WithFullQueue(t *testing.T) {
	poolSize, queueSize := 2, 4
	manager, err := NewManager("pool", log.NewNopLogger(), poolSize, queueSize, 1*time.Second)
	require.NoError(t, err)

	var jobsDone, submitted atomic.Int32
	for i := 0; i < poolSize+queueSize; i++ {
		if manager.Submit(func(ctx context.Context) {
			jobsDone.Add(1)
		}) {
			submitted.Add(1)
		}
		runtime.Gosched()
	}

	require.NoError(t, manager.Shutdown(500*time.Millisecond), "Shutdown should complete without a timeout")
	assert.Equal(t, submitted.Load(), jobsDone.Load(), "every accepted job must run")
	assert.GreaterOrEqual(t, submitted.Load(), int32(queueSize))
}
