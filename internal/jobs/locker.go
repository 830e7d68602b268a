package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive, expiring ownership of a task key.
type Locker interface {
	// TryLock returns ok=false without error when the key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock releases key if it is still held under token.
	Unlock(ctx context.Context, key, token string) error
}

// ── Memory ───────────────────────────────────────────────────────────────────

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLock), clock: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

// ── Redis ────────────────────────────────────────────────────────────────────

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares task locks between processes.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a RedisLocker storing keys under prefix.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "profilesync:task:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	err := unlockScript.Run(ctx, l.rdb, []string{l.prefix + key}, token).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
