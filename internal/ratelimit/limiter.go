// Package ratelimit bounds the camera upload path per source camera. It is a
// guard against a misconfigured camera flooding the ingest API, not a
// substitute for the storage capacity policy.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Decision struct {
	Limit      int
	Remaining  int
	RetryAfter int // Seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int
	Window time.Duration
}

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Atomic INCR + expire-on-first. Window starts at the first request of the
// bucket and resets after Window.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

func (l *Limiter) Check(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	count, err := incrScript.Run(ctx, l.client, []string{"rl:" + key}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		RetryAfter: int(cfg.Window.Seconds()),
		Allowed:    count <= cfg.Rate,
	}, nil
}
