//go:build integration

package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()

	l := NewRedisLocker(rdb, "profilesync:test:")
	key := "facebook:person:" + time.Now().Format("150405.000000")

	token, ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, key, time.Minute); ok {
		t.Fatal("second TryLock should fail")
	}
	if err := l.Unlock(ctx, key, "wrong"); err != nil {
		t.Fatalf("Unlock wrong token: %v", err)
	}
	if _, ok, _ := l.TryLock(ctx, key, time.Minute); ok {
		t.Fatal("foreign unlock released the key")
	}
	if err := l.Unlock(ctx, key, token); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, ok, _ := l.TryLock(ctx, key, time.Minute); !ok {
		t.Fatal("key should be free")
	}
}
