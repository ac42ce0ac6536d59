package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// refreshScript extends the key only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a single key.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLocker creates a locker for key.
func NewRedisLocker(client redis.UniversalClient, key string) *RedisLocker {
	return &RedisLocker{client: client, key: key}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{locker: l, token: token, ttl: ttl}, nil
}

// Holder returns the token of the current holder, or "" when the lease is free.
func (l *RedisLocker) Holder(ctx context.Context) (string, error) {
	token, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}

type redisLease struct {
	locker *RedisLocker
	token  string
	ttl    time.Duration
}

func (r *redisLease) Token() string { return r.token }

func (r *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, r.locker.client, []string{r.locker.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", r.locker.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.locker.client, []string{r.locker.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", r.locker.key, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
