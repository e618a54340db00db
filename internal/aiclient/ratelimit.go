package aiclient

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a simple per-backend rate limiter (spec §4.4 "a token
// bucket per backend (configurable rate and burst)").
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	ratePerSec float64
	burst      float64
	last       time.Time
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		last:       time.Now(),
	}
}

// Wait blocks until a token is available or waitCap elapses, whichever
// comes first, and reports whether it acquired a token. The returned
// duration is how long it actually waited, used to build the RateLimited
// error message when it gives up (spec §4.4 "blocks at most
// queueWaitSeconds ... returning RateLimited").
func (b *tokenBucket) Wait(ctx context.Context, waitCap time.Duration) (time.Duration, bool) {
	deadline := time.Now().Add(waitCap)
	start := time.Now()
	for {
		if b.tryAcquire() {
			return time.Since(start), true
		}
		if time.Now().After(deadline) {
			return time.Since(start), false
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return time.Since(start), false
		}
	}
}

func (b *tokenBucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
