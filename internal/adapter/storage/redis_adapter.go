package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/profile-store/internal/port"
)

var _ port.RemoteStore = (*RedisAdapter)(nil)

// Each profile is a hash {data, rev}. rev only ever grows and guards the swap.
var compareAndSetScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])

local current = tonumber(redis.call('HGET', key, 'rev') or '0')
if current ~= expected then
	return 0
end

redis.call('HSET', key, 'data', ARGV[2], 'rev', current + 1)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.HGet(ctx, profileKeyPrefix+key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisAdapter) CompareAndUpdate(ctx context.Context, key string, transform port.TransformFunc) ([]byte, error) {
	hashKey := profileKeyPrefix + key

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		old, rev, err := r.read(ctx, hashKey)
		if err != nil {
			return nil, err
		}

		next := transform(old)
		result, err := compareAndSetScript.Run(ctx, r.client, []string{hashKey}, rev, next).Int()
		if err != nil {
			return nil, fmt.Errorf("compare and set: %w", err)
		}
		if result == 1 {
			return next, nil
		}
	}
	return nil, ErrOptimisticLock
}

func (r *RedisAdapter) read(ctx context.Context, hashKey string) ([]byte, int64, error) {
	vals, err := r.client.HMGet(ctx, hashKey, "data", "rev").Result()
	if err != nil {
		return nil, 0, err
	}

	var old []byte
	if s, ok := vals[0].(string); ok {
		old = []byte(s)
	}
	var rev int64
	if s, ok := vals[1].(string); ok {
		rev, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parse revision: %w", err)
		}
	}
	return old, rev, nil
}

// Revision returns the swap counter for key, 0 when absent.
func (r *RedisAdapter) Revision(ctx context.Context, key string) (int64, error) {
	rev, err := r.client.HGet(ctx, profileKeyPrefix+key, "rev").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return rev, err
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, profileKeyPrefix+key).Err()
}
