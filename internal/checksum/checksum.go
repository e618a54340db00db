// Package checksum computes the content hash used for ErrorBatch dedup
// (spec §3, §4.1). Grounded on the teacher's own blake3 usage
// (cmd/kilroy/main_exit_codes_test.go: blake3.Sum256(raw);
// internal/attractor/engine/cxdb_sink.go: blake3.New() streaming writer).
package checksum

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// OfBytes returns the hex-encoded BLAKE3-256 digest of b.
func OfBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// OfReader streams r through BLAKE3 without buffering the whole file in
// memory, for large build-log inputs.
func OfReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}
