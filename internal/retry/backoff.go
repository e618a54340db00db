// Package retry computes exponential backoff delays shared by the outbox
// publisher (spec §4.3) and the AI client's per-stage retry policy (spec
// §4.4). Grounded on the teacher's internal/attractor/engine/backoff.go
// DelayForAttempt, generalized from graph-node retry config to AIRES's two
// callers.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Config configures exponential backoff delays.
type Config struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// OutboxPublisher is spec §4.3's "100ms * 2^n up to 60s", no jitter (the
// outbox publisher runs single-threaded per instance, so there's no thundering
// herd to smear).
func OutboxPublisher() Config {
	return Config{InitialDelay: 100 * time.Millisecond, Factor: 2.0, MaxDelay: 60 * time.Second, Jitter: false}
}

// StageAttempt is spec §4.4's "jittered exponential backoff" for AI backend
// calls, where many stage workers may retry concurrently.
func StageAttempt() Config {
	return Config{InitialDelay: 500 * time.Millisecond, Factor: 2.0, MaxDelay: 30 * time.Second, Jitter: true}
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed:
// the first retry is attempt=1). jitterSeed should be stable per call site
// (e.g. messageId:attempt) so repeated computation for the same attempt
// is deterministic, as the teacher's backoff.go does for node retries.
func DelayForAttempt(attempt int, cfg Config, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		base *= m
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}
