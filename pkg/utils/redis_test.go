package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestOpenRedis_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestAllowInWindow_LimitsAndExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := AllowInWindow(ctx, rdb, "login:1.2.3.4", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("hit %d: expected allowed, got %v %v", i, ok, err)
		}
	}
	ok, err := AllowInWindow(ctx, rdb, "login:1.2.3.4", 3, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected 4th hit rejected, got %v %v", ok, err)
	}
	if ttl := mr.TTL("login:1.2.3.4"); ttl <= 0 {
		t.Fatalf("expected ttl on counter, got %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := AllowInWindow(ctx, rdb, "login:1.2.3.4", 3, time.Minute); !ok {
		t.Fatalf("expected window to reset")
	}

	_, _ = AllowInWindow(ctx, rdb, "login:5.6.7.8", 1, time.Minute)
	if err := ResetWindow(ctx, rdb, "login:5.6.7.8"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := AllowInWindow(ctx, rdb, "login:5.6.7.8", 1, time.Minute); !ok {
		t.Fatalf("expected allowed after reset")
	}
}
