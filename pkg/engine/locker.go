package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker guards conversation ownership so only one worker runs a given
// conversation at a time.
type Locker interface {
	// Acquire takes ownership of key or fails with ErrAlreadyRunning. The
	// returned func releases it.
	Acquire(ctx context.Context, key string) (func(), error)
}

const (
	releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

	refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`
)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release. Held locks are refreshed every ttl/3 until released.
type RedisLocker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker creates a locker. A zero ttl defaults to 30s.
func NewRedisLocker(client *backend.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "locker").Logger(),
	}
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + "lock:" + key
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := l.key(key)
	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error acquiring lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is owned by another worker", ErrAlreadyRunning, key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(lockKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, lockKey, token, stop, done) })
	}, nil
}

func (l *RedisLocker) release(key, lockKey, token string, stop chan struct{}, done <-chan struct{}) {
	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err(); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
	}
}

func (l *RedisLocker) refresh(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, refreshScript, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("key", lockKey).Msg("Failed to refresh lock")
				continue
			}
			if n == 0 {
				l.logger.Error().Str("key", lockKey).Msg("Lock lost")
				return
			}
		}
	}
}
