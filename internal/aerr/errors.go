// Package aerr implements the error taxonomy from spec §7 as a Result-style
// sum type rather than exceptions: every expected failure (timeouts, schema
// mismatches, rate limits) is a typed *aerr.E value, never a panic. Panics
// are reserved for invariant violations (spec §9 "Design Notes").
//
// This generalizes the teacher's unified LLM error hierarchy
// (internal/llm/errors.go: Error interface with Provider()/StatusCode()/
// Retryable()/RetryAfter()) from "one HTTP vendor's status code" onto the six
// kinds spec §7 names for the whole daemon, not just the AI client.
package aerr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is one of the six error categories from spec §7.
type Kind string

const (
	KindInput           Kind = "InputError"
	KindTransientBackend Kind = "TransientBackendError"
	KindPermanentBackend Kind = "PermanentBackendError"
	KindInfrastructure   Kind = "InfrastructureError"
	KindPoisonMessage    Kind = "PoisonMessage"
	KindConfig           Kind = "ConfigError"
)

// E is the concrete error value threaded through the pipeline. It never
// crosses a stage boundary as a Go panic/exception — stage workers convert
// it into a Failed bus message (spec §7 "Propagation policy").
type E struct {
	Kind       Kind
	Message    string
	Cause      error
	Retryable  bool
	StatusCode int            // 0 when not HTTP-derived
	RetryAfter *time.Duration // set when the backend told us to wait
}

func (e *E) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *E) Unwrap() error { return e.Cause }

// New constructs a non-retryable error of the given kind.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Wrap constructs an error of the given kind carrying cause as its chain.
func Wrap(kind Kind, message string, cause error) *E {
	return &E{Kind: kind, Message: message, Cause: cause}
}

// WithRetryable marks e as retryable (used for TransientBackendError and
// InfrastructureError values built by hand rather than via ErrorFromHTTPStatus).
func (e *E) WithRetryable(r bool) *E {
	e.Retryable = r
	return e
}

// As mirrors errors.As for *E so callers can avoid importing errors directly
// for the common case of "is this one of ours".
func As(err error, target **E) bool {
	return errors.As(err, target)
}

// IsKind reports whether err unwraps to an *E of the given kind.
func IsKind(err error, k Kind) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// ErrorFromHTTPStatus classifies an AI-backend HTTP response into the AIRES
// taxonomy, mirroring the teacher's ErrorFromHTTPStatus status-code switch
// (internal/llm/errors.go) but collapsing the provider-specific hierarchy
// (AuthenticationError, ContextLengthError, ...) onto spec §7's two backend
// kinds: 4xx except 429 is permanent, 429/5xx/unknown is transient.
func ErrorFromHTTPStatus(backend string, statusCode int, message string, retryAfter *time.Duration) *E {
	msg := fmt.Sprintf("%s returned status %d: %s", backend, statusCode, strings.TrimSpace(message))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &E{Kind: KindTransientBackend, Message: msg, Retryable: true, StatusCode: statusCode, RetryAfter: retryAfter}
	case statusCode >= 500 && statusCode < 600:
		return &E{Kind: KindTransientBackend, Message: msg, Retryable: true, StatusCode: statusCode, RetryAfter: retryAfter}
	case statusCode >= 400 && statusCode < 500:
		return &E{Kind: KindPermanentBackend, Message: msg, Retryable: false, StatusCode: statusCode}
	default:
		// Spec: unknown/unexpected status codes default to retryable, matching
		// the teacher's "unknown errors default to retryable" classification.
		return &E{Kind: KindTransientBackend, Message: msg, Retryable: true, StatusCode: statusCode, RetryAfter: retryAfter}
	}
}

// Timeout builds the Timeout failure kind from spec §4.4 (non-HTTP, e.g.
// context deadline exceeded while waiting on an AI backend).
func Timeout(backend string, cause error) *E {
	return &E{Kind: KindTransientBackend, Message: fmt.Sprintf("%s: request timed out", backend), Cause: cause, Retryable: true}
}

// RateLimited builds the RateLimited failure kind (token bucket exhausted
// beyond queueWaitSeconds, spec §4.4).
func RateLimited(backend string, waited time.Duration) *E {
	return &E{Kind: KindTransientBackend, Message: fmt.Sprintf("%s: rate limited after waiting %s", backend, waited), Retryable: true}
}

// SchemaMismatch builds the SchemaMismatch failure kind. Never retryable
// (spec §4.4, §7).
func SchemaMismatch(backend string, cause error) *E {
	return &E{Kind: KindPermanentBackend, Message: fmt.Sprintf("%s: response failed schema validation", backend), Cause: cause, Retryable: false}
}

// BackendUnavailable builds the BackendUnavailable failure kind (connection
// refused, DNS failure, etc). Retryable per spec §4.4.
func BackendUnavailable(backend string, cause error) *E {
	return &E{Kind: KindTransientBackend, Message: fmt.Sprintf("%s: backend unavailable", backend), Cause: cause, Retryable: true}
}

// ParseRetryAfter parses the Retry-After header (seconds or HTTP-date),
// mirroring the teacher's llm.ParseRetryAfter.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
