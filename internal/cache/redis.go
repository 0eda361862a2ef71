package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/simforge/internal/model"
)

// DefaultRedisLockTTL is the expiry of a Redis lock that is not refreshed.
const DefaultRedisLockTTL = 30 * time.Second

// Only the owner may extend or release a lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker shares per-key locks between hosts through Redis SET NX PX.
// The lock expires after ttl unless the holder keeps refreshing it, so a
// crashed holder blocks others for at most ttl.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker that stores keys as <prefix><name>.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// OpenRedisLocker connects to the Redis server at rawURL
// (redis://[user:pass@]host:port/db) and verifies it answers.
func OpenRedisLocker(ctx context.Context, rawURL string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisLocker(client, "simforge:lock:", DefaultRedisLockTTL, logger), nil
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := model.NewID()

	err := poll(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, errors.Wrap(err, "redis setnx")
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				err := refreshScript.Run(context.Background(), l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
				if err != nil {
					l.logger.Warn("failed to refresh redis lock", "lock", key, "error", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Error("failed to release redis lock", "lock", key, "error", err)
		}
	}, nil
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
