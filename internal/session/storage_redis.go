package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps one session's keys under "<prefix>:<namespace>:<key>".
//
// TTL, when set, is renewed on every write so idle sessions expire server-side.
type RedisStorage struct {
	rdb       redis.Cmdable
	prefix    string
	namespace string
	ttl       time.Duration
}

func NewRedisStorage(rdb redis.Cmdable, prefix, namespace string, ttl time.Duration) (*RedisStorage, error) {
	if rdb == nil {
		return nil, errors.New("session: redis client is nil")
	}
	if namespace == "" {
		return nil, errors.New("session: redis namespace is required")
	}
	if prefix == "" {
		prefix = "riskwatch:session"
	}
	return &RedisStorage{rdb: rdb, prefix: prefix, namespace: namespace, ttl: ttl}, nil
}

func (r *RedisStorage) key(k string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, r.namespace, k)
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.key(key), value, r.ttl)
	if r.ttl > 0 {
		// keep sibling keys alive with the one being written
		for _, k := range AllKeys {
			if k != key {
				pipe.Expire(ctx, r.key(k), r.ttl)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
