// Package lock guards a file against concurrent execution across workers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-triage/common/config"
)

var ErrNotAcquired = errors.New("file lock held by another owner")

// Locker takes a per-file lock for one owner (the task ID).
type Locker interface {
	Acquire(ctx context.Context, fileID int64, owner string) error
	Refresh(ctx context.Context, fileID int64, owner string) error
	Release(ctx context.Context, fileID int64, owner string) error
}

// Key is the Redis key of a file lock.
func Key(fileID int64) string {
	return fmt.Sprintf("triage:lock:file:%d", fileID)
}

// Refresh and release only act when the stored owner matches.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds locks as keys with a TTL so a crashed worker's lock expires.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// NewRedisClient connects and pings the configured Redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, fileID int64, owner string) error {
	ok, err := l.client.SetNX(ctx, Key(fileID), owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

func (l *RedisLocker) Refresh(ctx context.Context, fileID int64, owner string) error {
	n, err := refreshScript.Run(ctx, l.client, []string{Key(fileID)}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh file lock: %w", err)
	}
	if n == 0 {
		return ErrNotAcquired
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, fileID int64, owner string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{Key(fileID)}, owner).Result(); err != nil {
		return fmt.Errorf("release file lock: %w", err)
	}
	return nil
}

// LocalLocker serializes files within one process when Redis is disabled.
type LocalLocker struct {
	mu     sync.Mutex
	owners map[int64]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{owners: make(map[int64]string)}
}

func (l *LocalLocker) Acquire(ctx context.Context, fileID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owners[fileID]; held {
		return ErrNotAcquired
	}
	l.owners[fileID] = owner
	return nil
}

func (l *LocalLocker) Refresh(ctx context.Context, fileID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[fileID] != owner {
		return ErrNotAcquired
	}
	return nil
}

func (l *LocalLocker) Release(ctx context.Context, fileID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[fileID] == owner {
		delete(l.owners, fileID)
	}
	return nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
