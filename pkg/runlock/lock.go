package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("enrichment run already in progress")

// Locker guards an enrichment run against overlapping runs.
type Locker interface {
	// Acquire takes the lock without blocking. The returned release func
	// must be called once the run is finished.
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Noop never blocks.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// FileLock implements Locker with an advisory lock on a local file. It only
// protects runs on the same host.
type FileLock struct {
	path string
}

// NewFileLock returns a lock on the file at path, created if missing.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire returns ErrLocked if another process holds the file lock.
func (l *FileLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(context.Context) error {
		return fl.Unlock()
	}, nil
}

// RedisLock implements Locker with SET NX and a TTL, so a crashed run frees
// the lock once the TTL elapses.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLock returns a lock on key that expires after ttl.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire returns ErrLocked if key is already set.
func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}
