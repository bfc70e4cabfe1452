package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL = 30 * time.Second
	leaseKeyPrefix  = "broadcast:run"
)

var refreshLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLease marks a job as owned by one worker process. Ownership expires after
// the TTL unless refreshed, so a crashed process frees its jobs on its own.
type RunLease struct {
	client *goredis.Client
	ttl    time.Duration
	owner  string
}

func NewRunLease(client *goredis.Client, ttl time.Duration) (*RunLease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	return &RunLease{
		client: client,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}, nil
}

func (l *RunLease) Owner() string { return l.owner }

func (l *RunLease) TTL() time.Duration { return l.ttl }

// Acquire takes the lease for jobID. It reports false when another owner holds it.
// Re-acquiring a lease this owner already holds extends it.
func (l *RunLease) Acquire(ctx context.Context, jobID string) (bool, error) {
	key := leaseKey(jobID)
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx, jobID)
}

// Refresh extends the lease if this owner still holds it.
func (l *RunLease) Refresh(ctx context.Context, jobID string) (bool, error) {
	n, err := refreshLeaseScript.Run(ctx, l.client, []string{leaseKey(jobID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh run lease: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease only if this owner holds it.
func (l *RunLease) Release(ctx context.Context, jobID string) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{leaseKey(jobID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}
	return nil
}

// Held reports whether any owner holds the lease for jobID.
func (l *RunLease) Held(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Exists(ctx, leaseKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check run lease: %w", err)
	}
	return n > 0, nil
}

func leaseKey(jobID string) string {
	return fmt.Sprintf("%s:%s", leaseKeyPrefix, jobID)
}
