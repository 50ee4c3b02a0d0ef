// Package cli implements the lockingfs command line tool.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the state shared by every subcommand of one root command.
type app struct {
	v      *viper.Viper
	out    io.Writer
	in     io.Reader
	logger log.Logger
}

// Execute runs the root command against the process stdio.
func Execute() error {
	return NewRootCommand(os.Stdin, os.Stdout, os.Stderr).Execute()
}

// NewRootCommand builds the command tree. Flags may also be set through
// LOCKINGFS_<FLAG> environment variables (e.g. LOCKINGFS_REDIS_ADDR), read
// from the environment, .env or .env.local.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		v:      viper.New(),
		out:    out,
		in:     in,
		logger: log.NewNopLogger(),
	}

	root := &cobra.Command{
		Use:   "lockingfs",
		Short: "Filesystem operations guarded by reader/writer locks",
		Long: `lockingfs runs filesystem operations through a locking coordinator.
Every operation takes a shared or exclusive lock on the paths it touches, using
one of the available lock backends (flock, redis, memcached, memory, native, none).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd, errOut)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.String("storage", "local", "Storage behind the lock: local, objstore (filesystem bucket) or azure")
	flags.String("root", ".", "Root directory of the local or objstore storage")
	flags.String("azure-config", "", "Path to the thanos azure bucket configuration (storage=azure)")
	flags.String("backend", "flock", "Lock backend: flock, redis, memcached, memory, native or none")
	flags.String("lock-dir", "", "Directory for flock lock files (default $TMPDIR/lockingfs)")
	flags.String("prefix", "default", "Lock namespace; lockers with the same prefix exclude each other")
	flags.String("wait", "forever", "How long to wait for a lock: a duration, 0 to fail immediately, or forever")
	flags.String("redis-addr", "localhost:6379", "Redis address (backend=redis)")
	flags.String("memcached-addr", "localhost:11211", "Memcached address (backend=memcached)")
	flags.String("log-level", "warn", "Log level: debug, info, warn or error")

	root.AddCommand(
		a.catCommand(),
		a.writeCommand("write", "Create a file that must not exist yet", writeNew),
		a.writeCommand("update", "Overwrite an existing file", writeExisting),
		a.writeCommand("put", "Create or overwrite a file", writeAny),
		a.popCommand(),
		a.rmCommand(),
		a.mvCommand(),
		a.cpCommand(),
		a.lsCommand(),
		a.statCommand(),
		a.mkdirCommand(),
		a.rmdirCommand(),
		a.chmodCommand(),
		a.stressCommand(),
	)
	return root
}

// initConfig loads env files, binds flags to viper and builds the logger.
func (a *app) initConfig(cmd *cobra.Command, errOut io.Writer) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("lockingfs")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logger, err := newLogger(errOut, a.v.GetString("log-level"))
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func newLogger(w io.Writer, lvl string) (log.Logger, error) {
	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn", "":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, allow), nil
}
