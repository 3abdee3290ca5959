package webapp

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"riskwatch/pkg/utils"
)

// Throttle limits login attempts per client key.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// RedisThrottle is a fixed-window Throttle shared by every web replica.
type RedisThrottle struct {
	RDB    redis.UniversalClient
	Prefix string
	Limit  int
	Window time.Duration
}

func (t RedisThrottle) key(k string) string {
	p := t.Prefix
	if p == "" {
		p = "riskwatch:login"
	}
	return p + ":" + k
}

func (t RedisThrottle) Allow(ctx context.Context, key string) (bool, error) {
	return utils.AllowInWindow(ctx, t.RDB, t.key(key), t.Limit, t.Window)
}

func (t RedisThrottle) Reset(ctx context.Context, key string) error {
	return utils.ResetWindow(ctx, t.RDB, t.key(key))
}
