package lock

import (
	"time"

	"github.com/okian/demandseries/pkg/logger"
)

// RedisOption applies a configuration option to the RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix sets the prefix of lock keys. Default "demandseries:lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLocker) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL sets how long an unrefreshed lock survives its holder.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisLocker) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the locker logger.
func WithLogger(l logger.Logger) RedisOption {
	return func(r *RedisLocker) {
		r.log = l
	}
}
