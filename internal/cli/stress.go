package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
	"github.com/mrchypark/lockingfs/internal/worker"
	"github.com/spf13/cobra"
)

type stressOptions struct {
	Workers   int
	Ops       int
	Paths     int
	ReadRatio float64
	Strategy  string
	// JobTimeout bounds one operation including its lock wait.
	JobTimeout time.Duration
	// Drain bounds the wait for queued operations once all are submitted.
	Drain time.Duration
}

type stressReport struct {
	Reads      int64
	Writes     int64
	Failures   int64
	Elapsed    time.Duration
	Mismatches []string
}

func (a *app) stressCommand() *cobra.Command {
	opt := stressOptions{}
	var showMetrics bool
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent read-modify-write increments and check none were lost",
		Long: `stress seeds a set of counter files under stress/ and runs random reads and
increments against them from a worker pool. Each increment reads the counter and
writes it back inside one write lock. At the end every counter must equal the
number of increments that succeeded on it; with the "none" backend it usually
will not.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, fs *lockingfs.LockingFilesystem) error {
				report, err := runStress(ctx, fs, a.logger, opt)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "reads=%d writes=%d failures=%d elapsed=%s\n",
					report.Reads, report.Writes, report.Failures, report.Elapsed.Round(time.Millisecond))
				if showMetrics {
					fs.Metrics().WritePrometheus(a.out)
				}
				if len(report.Mismatches) > 0 {
					for _, m := range report.Mismatches {
						fmt.Fprintln(a.out, m)
					}
					return fmt.Errorf("%d counters lost updates", len(report.Mismatches))
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opt.Workers, "workers", 16, "Concurrent workers")
	flags.IntVar(&opt.Ops, "ops", 1000, "Total operations")
	flags.IntVar(&opt.Paths, "paths", 4, "Number of counter files")
	flags.Float64Var(&opt.ReadRatio, "read-ratio", 0.5, "Share of operations that only read (0..1)")
	flags.StringVar(&opt.Strategy, "strategy", "pool", "Worker strategy: pool or all")
	flags.DurationVar(&opt.JobTimeout, "job-timeout", 30*time.Second, "Timeout of a single operation")
	flags.DurationVar(&opt.Drain, "drain", 5*time.Minute, "How long to wait for outstanding operations")
	flags.BoolVar(&showMetrics, "metrics", false, "Print lock metrics in Prometheus text format")
	return cmd
}

func counterPath(i int) string {
	return "stress/counter-" + strconv.Itoa(i)
}

func runStress(ctx context.Context, fs *lockingfs.LockingFilesystem, logger log.Logger, opt stressOptions) (*stressReport, error) {
	if opt.Paths <= 0 || opt.Ops < 0 || opt.Workers <= 0 {
		return nil, fmt.Errorf("stress needs positive --paths and --workers and a non-negative --ops")
	}
	if opt.ReadRatio < 0 || opt.ReadRatio > 1 {
		return nil, fmt.Errorf("--read-ratio must be within [0, 1], got %v", opt.ReadRatio)
	}

	for i := 0; i < opt.Paths; i++ {
		if err := fs.Put(ctx, counterPath(i), []byte("0"), lockingfs.WriteConfig{}); err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", counterPath(i), err)
		}
	}

	mgr, err := worker.NewManager(opt.Strategy, logger, opt.Workers, opt.Workers*2, opt.JobTimeout)
	if err != nil {
		return nil, err
	}

	var (
		report    stressReport
		increased = make([]atomic.Int64, opt.Paths)
		reads     atomic.Int64
		writes    atomic.Int64
		failures  atomic.Int64
	)
	start := time.Now()
	for i := 0; i < opt.Ops; i++ {
		idx := rand.IntN(opt.Paths)
		path := counterPath(idx)
		readOnly := rand.Float64() < opt.ReadRatio

		job := func(jctx context.Context) {
			if readOnly {
				if _, err := fs.Read(jctx, path); err != nil {
					failures.Add(1)
					level.Debug(logger).Log("msg", "stress read failed", "path", path, "err", err)
					return
				}
				reads.Add(1)
				return
			}
			if err := increment(jctx, fs, path); err != nil {
				failures.Add(1)
				level.Debug(logger).Log("msg", "stress increment failed", "path", path, "err", err)
				return
			}
			increased[idx].Add(1)
			writes.Add(1)
		}
		if err := mgr.SubmitWait(ctx, job); err != nil {
			_ = mgr.Shutdown(opt.Drain)
			return nil, err
		}
	}
	if err := mgr.Shutdown(opt.Drain); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	report.Reads, report.Writes, report.Failures = reads.Load(), writes.Load(), failures.Load()

	for i := 0; i < opt.Paths; i++ {
		got, err := readCounter(ctx, fs, counterPath(i))
		if err != nil {
			return nil, err
		}
		if want := increased[i].Load(); got != want {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("%s: got %d, want %d", counterPath(i), got, want))
		}
	}
	return &report, nil
}

// increment adds one to the counter at path inside a single write lock.
func increment(ctx context.Context, fs *lockingfs.LockingFilesystem, path string) error {
	return fs.WithWriteLock(ctx, path, func(ctx context.Context) error {
		n, err := readCounter(ctx, fs, path)
		if err != nil {
			return err
		}
		return fs.Update(ctx, path, []byte(strconv.FormatInt(n+1, 10)), lockingfs.WriteConfig{})
	})
}

func readCounter(ctx context.Context, fs *lockingfs.LockingFilesystem, path string) (int64, error) {
	data, err := fs.Read(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s is corrupt: %w", path, err)
	}
	return n, nil
}
