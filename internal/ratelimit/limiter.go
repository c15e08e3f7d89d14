// Package ratelimit implements the Call Queue Engine's rate limiter (C2):
// a global token bucket gating how fast the dispatcher may call
// C3.initiate, grounded on the teacher's pkg/utils/redis.go Lua-script
// pattern for atomic Redis-side counters.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the C2 contract: acquire(ctx) blocks until a token is
// available or ctx is cancelled.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// pollInterval is how often a blocked Acquire retries the bucket. It must
// be short enough that a caller waiting for a 10/s bucket doesn't visibly
// stall, but long enough not to hammer Redis while blocked.
const pollInterval = 20 * time.Millisecond
