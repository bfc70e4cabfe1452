package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 25
	rateWindow               = time.Second
	minWindowWait            = 5 * time.Millisecond
	rateLimitKeyPrefix       = "broadcast:ratelimit"
)

// countScript bumps the counter of one window; the key outlives the window to absorb clock skew.
var countScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed-window send budget shared by every process using the same Redis.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	wait, err := r.reserve(ctx, bucket)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until the shared budget grants a send, sleeping to the next window on rejection.
func (r *RedisRateLimiter) Wait(ctx context.Context, bucket string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := r.reserve(ctx, bucket)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve takes a slot in the current window. It returns zero when granted, otherwise
// the time left until the next window opens.
func (r *RedisRateLimiter) reserve(ctx context.Context, bucket string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	name := strings.ToLower(strings.TrimSpace(bucket))
	if name == "" {
		return 0, fmt.Errorf("bucket is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now().UTC()
	windowStart := now.Truncate(rateWindow)
	key := fmt.Sprintf("%s:%s:%d", rateLimitKeyPrefix, name, windowStart.UnixMilli())

	count, err := countScript.Run(ctx, r.client, []string{key}, (2 * rateWindow).Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if count <= r.limitPerSec {
		return 0, nil
	}

	return max(windowStart.Add(rateWindow).Sub(now), minWindowWait), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
