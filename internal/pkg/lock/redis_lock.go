package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock guards jobs that must run on one instance at a time.
type DistributedLock interface {
	// Acquire returns false without error when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// releaseScript deletes the key only if it still carries our token, so a
// holder whose TTL expired cannot drop a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SET NX based lock.
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, token: uuid.NewString()}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, l.token, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, l.token).Err()
}

// Local is used when redis is not configured. Every Acquire succeeds, which
// is only correct with a single worker instance.
type Local struct{}

func (Local) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Local) Release(context.Context, string) error                        { return nil }

// New returns a RedisLock, or Local when client is nil.
func New(client *redis.Client) DistributedLock {
	if client == nil {
		return Local{}
	}
	return NewRedisLock(client)
}
