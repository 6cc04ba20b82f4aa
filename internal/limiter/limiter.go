// Package limiter provides a keyed attempt counter with an explicit TTL,
// used to throttle claim attempts per user. It sits behind an interface so
// storage can vary; the Redis implementation is the production one.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle counts attempts per key inside a rolling window.
type Throttle interface {
	// Allow records one attempt for key and reports whether it stayed
	// within the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// Redis counts attempts in Redis with INCR + EXPIRE. The window starts at
// the first attempt and resets when the key expires.
type Redis struct {
	Client *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
}

// NewRedis builds a Redis throttle for the given address.
func NewRedis(addr string, limit int, window time.Duration) *Redis {
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: "boostline:claims",
		Limit:  limit,
		Window: window,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := fmt.Sprintf("%s:%s", r.Prefix, key)
	n, err := r.Client.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := r.Client.Expire(ctx, k, r.Window).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(r.Limit), nil
}

// Disabled is the no-op throttle used when no Redis address is configured.
type Disabled struct{}

func (Disabled) Allow(ctx context.Context, key string) (bool, error) { return true, nil }
