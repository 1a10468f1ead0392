package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/custody-switch/interfaces"
)

var _ interfaces.KVStore = (*RedisKV)(nil)

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// incrScript sets the expiry only when the counter is created so later
// increments do not extend the window.
var incrScript = redis.NewScript(`
	local v = redis.call('INCR', KEYS[1])
	if v == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return v
`)

// RedisKV implements interfaces.KVStore on a redis server.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to redis and verifies the connection. Every key is
// stored under prefix.
func NewRedisKV(options *redis.Options, prefix string) (*RedisKV, error) {
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisKV{client: client, prefix: prefix}, nil
}

// Client exposes the underlying connection so other redis-backed components
// can share it.
func (r *RedisKV) Client() *redis.Client {
	return r.client
}

func (r *RedisKV) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: lock ttl must be positive", interfaces.ErrValidation)
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", interfaces.ErrLockHeld
	}
	return token, nil
}

func (r *RedisKV) ReleaseLock(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.lockKey(key)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (r *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: counter ttl must be positive", interfaces.ErrValidation)
	}
	v, err := incrScript.Run(ctx, r.client, []string{r.counterKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return v, nil
}

func (r *RedisKV) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.counterKey(key)).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

func (r *RedisKV) lockKey(key string) string {
	return r.prefix + "lock:" + key
}

func (r *RedisKV) counterKey(key string) string {
	return r.prefix + "counter:" + key
}
