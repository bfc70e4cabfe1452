package ratelimit

import "context"

// BucketBroadcast is the send budget shared by every delivery worker.
const BucketBroadcast = "broadcast"

// RateLimiter controls gateway throughput per budget bucket.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string) (bool, error)
	Wait(ctx context.Context, bucket string) error
}
