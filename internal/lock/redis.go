package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 2 * time.Minute
	retryEvery   = 25 * time.Millisecond
	releaseAfter = 5 * time.Second
	keyPrefix    = "ecosim:lock:"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a lock shared by every process connected to the same server.
// Each lock expires after ttl so a crashed holder cannot block a key forever.
type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to addr and verifies the server is reachable.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb, ttl: ttl, logger: slog.Default()}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryEvery):
		}
	}

	return func() {
		// Release even when the caller's context is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), releaseAfter)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{k}, token).Err(); err != nil {
			r.logger.Warn("releasing lock failed", "key", key, "error", err)
		}
	}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
