// Package aiclient is the AI Client component from spec §4.4: a uniform
// analyze() call over two pluggable backends (localHTTP, cloudHTTP), with
// per-backend rate limiting, jittered-backoff retry, and JSON-schema
// response validation.
//
// Grounded on the teacher's internal/llm package: Client.Complete's
// provider-registry dispatch (internal/llm/client.go), the openaicompat
// adapter's chat-completions request/response shape
// (internal/llm/providers/openaicompat/adapter.go) for the cloudHTTP
// backend, and internal/agent/tool_registry.go's jsonschema compile/validate
// pattern for response validation.
package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/retry"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request is one stage's analyze() call (spec §4.4, §4.5).
type Request struct {
	Stage        model.Stage
	BatchID      string
	SystemPrompt string
	Prompt       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	Schema       *jsonschema.Schema // nil skips validation
}

// Response is a validated, parsed AI backend reply.
type Response struct {
	RawText  string
	Parsed   map[string]any
	Provider string
	Model    string
}

// Backend is one AI backend adapter (spec §4.4 "localHTTP or cloudHTTP").
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client dispatches requests to the configured backend, applying rate
// limiting, retry, and schema validation uniformly regardless of which
// backend answers (spec §4.4).
type Client struct {
	backends map[config.Backend]Backend
	limiters map[config.Backend]*tokenBucket
	waitCaps map[config.Backend]time.Duration
	attempts int
	log      *logging.Logger
	metrics  *metrics.Registry
}

// New wires a Client from cfg's backend configuration (spec §6
// backends.<kind>.*). maxAttempts is spec §4.4's "up to 3 attempts". reg may
// be nil in tests that don't care about instrumentation.
func New(cfg *config.Config, log *logging.Logger, maxAttempts int, reg *metrics.Registry) *Client {
	c := &Client{
		backends: map[config.Backend]Backend{},
		limiters: map[config.Backend]*tokenBucket{},
		waitCaps: map[config.Backend]time.Duration{},
		attempts: maxAttempts,
		log:      log.With("component", "aiclient"),
		metrics:  reg,
	}
	for kind, bc := range cfg.Backends {
		rate := bc.RateLimitPerSecond
		if rate <= 0 {
			rate = 1
		}
		burst := bc.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiters[kind] = newTokenBucket(rate, burst)
		waitCap := time.Duration(bc.QueueWaitSeconds) * time.Second
		if waitCap <= 0 {
			waitCap = 30 * time.Second
		}
		c.waitCaps[kind] = waitCap

		switch kind {
		case config.BackendLocalHTTP:
			c.backends[kind] = newLocalHTTPBackend(bc)
		case config.BackendCloudHTTP:
			c.backends[kind] = newCloudHTTPBackend(bc)
		}
	}
	return c
}

// Analyze dispatches req to backend kind, enforcing the backend's rate
// limit and retrying retryable failures with jittered exponential backoff
// (spec §4.4's retry policy). idempotencyKey seeds the jitter so repeated
// retries of the same logical call (same batch/stage/attempt) are
// deterministic in tests.
func (c *Client) Analyze(ctx context.Context, kind config.Backend, req Request, idempotencyKey string) (Response, error) {
	backend, ok := c.backends[kind]
	if !ok {
		return Response{}, aerr.New(aerr.KindConfig, fmt.Sprintf("no AI backend configured for %q", kind))
	}
	limiter := c.limiters[kind]
	waitCap := c.waitCaps[kind]

	var lastErr error
	maxAttempts := c.attempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		waited, ok := limiter.Wait(ctx, waitCap)
		if !ok {
			return Response{}, aerr.RateLimited(string(kind), waited)
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		}
		start := time.Now()
		resp, err := backend.Complete(callCtx, req)
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(start).Seconds()
		if err == nil {
			if req.Schema != nil {
				if verr := validateAgainstSchema(req.Schema, resp.RawText); verr != nil {
					c.observe(kind, elapsed, "schema_mismatch")
					return Response{}, aerr.SchemaMismatch(backend.Name(), verr)
				}
			}
			c.observe(kind, elapsed, "success")
			return resp, nil
		}

		lastErr = err
		var e *aerr.E
		if !aerr.As(err, &e) || !e.Retryable {
			c.observe(kind, elapsed, "error")
			return Response{}, err
		}
		c.observe(kind, elapsed, "retry")
		if attempt == maxAttempts-1 {
			break
		}
		delay := retry.DelayForAttempt(attempt+1, retry.StageAttempt(), fmt.Sprintf("%s:%d", idempotencyKey, attempt))
		if e.RetryAfter != nil && *e.RetryAfter > delay {
			delay = *e.RetryAfter
		}
		c.log.Warn("retrying AI backend call", "backend", kind, "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return Response{}, lastErr
}

func (c *Client) observe(kind config.Backend, seconds float64, outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveAIBackendCall(string(kind), seconds, outcome)
	}
}

func validateAgainstSchema(schema *jsonschema.Schema, rawText string) error {
	var v any
	dec := json.NewDecoder(strings.NewReader(rawText))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	return schema.Validate(v)
}

// CompileSchema compiles a JSON-schema document (as a decoded map, e.g. from
// an embedded stage response-format spec) into a *jsonschema.Schema,
// mirroring the teacher's internal/agent/tool_registry.go compileSchema.
func CompileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}
