package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/log"
	"github.com/mrchypark/lockingfs"
	"github.com/mrchypark/lockingfs/pkg/counter/memcachedstore"
	"github.com/mrchypark/lockingfs/pkg/counter/memstore"
	"github.com/mrchypark/lockingfs/pkg/counter/redisstore"
	"github.com/mrchypark/lockingfs/pkg/fs/localfs"
	"github.com/mrchypark/lockingfs/pkg/fs/objfs"
	"github.com/mrchypark/lockingfs/pkg/lock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/thanos-io/objstore/providers/azure"
	"github.com/thanos-io/objstore/providers/filesystem"
)

// settings is the resolved configuration of one invocation.
type settings struct {
	Storage       string
	Root          string
	AzureConfig   string
	Backend       string
	LockDir       string
	Prefix        string
	Wait          time.Duration
	RedisAddr     string
	MemcachedAddr string
}

func loadSettings(v *viper.Viper) (settings, error) {
	wait, err := parseWait(v.GetString("wait"))
	if err != nil {
		return settings{}, err
	}
	return settings{
		Storage:       v.GetString("storage"),
		Root:          v.GetString("root"),
		AzureConfig:   v.GetString("azure-config"),
		Backend:       v.GetString("backend"),
		LockDir:       v.GetString("lock-dir"),
		Prefix:        v.GetString("prefix"),
		Wait:          wait,
		RedisAddr:     v.GetString("redis-addr"),
		MemcachedAddr: v.GetString("memcached-addr"),
	}, nil
}

// parseWait accepts "forever", a non-negative duration, or a negative one
// meaning forever.
func parseWait(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "forever":
		return lockingfs.WaitForever, nil
	case "0", "nowait":
		return lockingfs.NoWait, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid wait %q: %w", s, err)
	}
	if d < 0 {
		return lockingfs.WaitForever, nil
	}
	return d, nil
}

// session is an open filesystem plus the clients it owns.
type session struct {
	fs      *lockingfs.LockingFilesystem
	closers []func() error
}

func (s *session) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *app) open(ctx context.Context) (*session, error) {
	cfg, err := loadSettings(a.v)
	if err != nil {
		return nil, err
	}
	return openSession(ctx, cfg, a.logger)
}

func openSession(ctx context.Context, cfg settings, logger log.Logger) (*session, error) {
	s := &session{}
	adapter, err := openStorage(ctx, cfg, logger, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	locker, err := openLocker(ctx, cfg, logger, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.fs, err = lockingfs.New(adapter, locker, logger, lockingfs.WithName(cfg.Backend))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openStorage(ctx context.Context, cfg settings, logger log.Logger, s *session) (lockingfs.Adapter, error) {
	switch cfg.Storage {
	case "local":
		return localfs.New(cfg.Root, logger)
	case "objstore":
		bucket, err := filesystem.NewBucket(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open filesystem bucket: %w", err)
		}
		s.closers = append(s.closers, bucket.Close)
		return objfs.New(bucket, logger), nil
	case "azure":
		if cfg.AzureConfig == "" {
			return nil, fmt.Errorf("storage azure requires --azure-config")
		}
		conf, err := os.ReadFile(cfg.AzureConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to read azure config: %w", err)
		}
		bucket, err := azure.NewBucket(logger, conf, "lockingfs", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure bucket: %w", err)
		}
		s.closers = append(s.closers, bucket.Close)
		return objfs.New(bucket, logger), nil
	default:
		return nil, fmt.Errorf("invalid storage %q (expected local, objstore or azure)", cfg.Storage)
	}
}

func openLocker(ctx context.Context, cfg settings, logger log.Logger, s *session) (lockingfs.Locker, error) {
	opts := []lock.Option{lock.WithLogger(logger), lock.WithWait(cfg.Wait)}

	switch cfg.Backend {
	case "flock":
		return lock.NewFlock(cfg.LockDir, cfg.Prefix, opts...)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return lock.NewCounter(redisstore.New(client, logger), cfg.Prefix, opts...)
	case "memcached":
		client := memcache.New(cfg.MemcachedAddr)
		if err := client.Ping(); err != nil {
			return nil, fmt.Errorf("failed to reach memcached at %s: %w", cfg.MemcachedAddr, err)
		}
		return lock.NewCounter(memcachedstore.New(client, logger), cfg.Prefix, opts...)
	case "memory":
		return lock.NewCounter(memstore.New(0, logger), cfg.Prefix, opts...)
	case "native":
		return lock.NewNative(cfg.Prefix, opts...), nil
	case "none":
		return lockingfs.NewNoopLocker(), nil
	default:
		return nil, fmt.Errorf("invalid backend %q (expected flock, redis, memcached, memory, native or none)", cfg.Backend)
	}
}
