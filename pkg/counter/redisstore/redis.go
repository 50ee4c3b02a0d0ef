// Package redisstore provides a lockingfs.CounterStore on Redis, so that lock
// state can be shared by processes on several hosts.
package redisstore

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mrchypark/lockingfs"
	"github.com/redis/go-redis/v9"
)

// incrExisting adds ARGV[1] to KEYS[1] only if the key exists. A missing key
// yields a nil reply.
var incrExisting = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("INCRBY", KEYS[1], ARGV[1])
end
return false
`)

// RedisStore is a Redis-based implementation of lockingfs.CounterStore.
type RedisStore struct {
	client redis.UniversalClient
	logger log.Logger
}

var _ lockingfs.CounterStore = (*RedisStore)(nil)

// New creates a new RedisStore.
func New(client redis.UniversalClient, logger log.Logger) *RedisStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Add sets key to value with SETNX.
func (rs *RedisStore) Add(ctx context.Context, key string, value int64) (bool, error) {
	return rs.client.SetNX(ctx, key, value, 0).Result()
}

// Incr adds one to an existing key.
func (rs *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return rs.incrBy(ctx, key, 1)
}

// Decr subtracts one from an existing key.
func (rs *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return rs.incrBy(ctx, key, -1)
}

func (rs *RedisStore) incrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := incrExisting.Run(ctx, rs.client, []string{key}, delta).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, lockingfs.ErrEntryNotFound
		}
		level.Error(rs.logger).Log("msg", "failed to update counter in redis", "key", key, "err", err)
		return 0, err
	}
	return n, nil
}

// Get returns the value of key and whether it exists.
func (rs *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	n, err := rs.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// Delete removes key.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := rs.client.Del(ctx, key).Result()
	if err != nil {
		level.Error(rs.logger).Log("msg", "failed to delete counter in redis", "key", key, "err", err)
		return err
	}
	if n == 0 {
		return lockingfs.ErrEntryNotFound
	}
	return nil
}
