// Package idgen generates the lexicographically-sortable identifiers used
// for batches, messages, and booklets (§11 of SPEC_FULL.md). Grounded on the
// teacher's own NewRunID()/ulid.Make().String() usage (e.g.
// internal/attractor/engine/handlers.go, internal/agent/session.go) — a ULID
// over a bare UUIDv4 means the state store can range-scan IDs by creation
// order without a separate timestamp column.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string, monotonic within the same millisecond so
// batch/message ordering within a tight loop is preserved.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Short returns a 5-character lowercase suffix derived from a fresh ULID,
// used for the booklet filename collision tie-break (spec §9 Open Question,
// resolved in SPEC_FULL.md §12.4).
func Short() string {
	id := New()
	if len(id) < 5 {
		return id
	}
	tail := id[len(id)-5:]
	out := make([]byte, len(tail))
	for i, c := range []byte(tail) {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		} else {
			out[i] = c
		}
	}
	return string(out)
}
