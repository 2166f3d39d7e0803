package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "demandseries:lock:"
	defaultTTL       = 10 * time.Minute
)

// KEYS[1] = lock key, ARGV[1] = holder token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1] = lock key, ARGV[1] = holder token, ARGV[2] = ttl in milliseconds.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX. Each lease holds a random
// token so only the holder can refresh or release it.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    logger.Logger
}

// NewRedisLocker creates a RedisLocker on an existing client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("lock: redis client is nil")
	}
	r := &RedisLocker{client: client, prefix: defaultKeyPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Named("lock")
	}
	return r, nil
}

// TryLock implements Locker.
func (r *RedisLocker) TryLock(ctx context.Context, storeID string) (Lease, error) {
	if storeID == "" {
		return nil, ErrNoStore
	}
	key := r.prefix + storeID
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, storeID)
	}
	r.log.Debug(ctx, "store lock acquired", logger.String("store_id", storeID), logger.Duration("ttl", r.ttl))
	return &redisLease{locker: r, key: key, token: token}, nil
}

type redisLease struct {
	locker   *RedisLocker
	key      string
	token    string
	released bool
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.locker.ttl
	}
	n, err := refreshScript.Run(ctx, l.locker.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock: redis refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("lock: redis release %s: %w", l.key, err)
	}
	l.released = true
	if n == 0 {
		l.locker.log.Warn(ctx, "store lock expired before release", logger.String("key", l.key))
	}
	return nil
}
