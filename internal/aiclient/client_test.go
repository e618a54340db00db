package aiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

func TestLocalHTTPBackend_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response": `{"summary":"ok"}`,
			"model":    "llama3",
			"done":     true,
		})
	}))
	defer srv.Close()

	cfg := &config.Config{Backends: map[config.Backend]config.AIBackendConfig{
		config.BackendLocalHTTP: {BaseURL: srv.URL, RateLimitPerSecond: 100, RateLimitBurst: 10, QueueWaitSeconds: 5},
	}}
	c := New(cfg, testLogger(), 3, nil)
	resp, err := c.Analyze(context.Background(), config.BackendLocalHTTP, Request{
		Model: "llama3", Prompt: "hi", Timeout: 5 * time.Second,
	}, "key1")
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Parsed["summary"])
}

func TestAnalyze_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"overloaded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"response": `{"ok":true}`, "model": "llama3", "done": true})
	}))
	defer srv.Close()

	cfg := &config.Config{Backends: map[config.Backend]config.AIBackendConfig{
		config.BackendLocalHTTP: {BaseURL: srv.URL, RateLimitPerSecond: 100, RateLimitBurst: 10, QueueWaitSeconds: 5},
	}}
	c := New(cfg, testLogger(), 5, nil)
	resp, err := c.Analyze(context.Background(), config.BackendLocalHTTP, Request{
		Model: "llama3", Prompt: "hi", Timeout: 5 * time.Second,
	}, "key2")
	require.NoError(t, err)
	require.Equal(t, true, resp.Parsed["ok"])
	require.Equal(t, 3, calls)
}

func TestAnalyze_NonRetryableOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{Backends: map[config.Backend]config.AIBackendConfig{
		config.BackendLocalHTTP: {BaseURL: srv.URL, RateLimitPerSecond: 100, RateLimitBurst: 10, QueueWaitSeconds: 5},
	}}
	c := New(cfg, testLogger(), 5, nil)
	_, err := c.Analyze(context.Background(), config.BackendLocalHTTP, Request{
		Model: "llama3", Prompt: "hi", Timeout: 5 * time.Second,
	}, "key3")
	require.Error(t, err)
	require.True(t, aerr.IsKind(err, aerr.KindPermanentBackend))
}

func TestAnalyze_SchemaMismatchIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"response": `{"wrong_field":1}`, "model": "llama3", "done": true})
	}))
	defer srv.Close()

	schema, err := CompileSchema("test.json", map[string]any{
		"type":     "object",
		"required": []any{"summary"},
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	cfg := &config.Config{Backends: map[config.Backend]config.AIBackendConfig{
		config.BackendLocalHTTP: {BaseURL: srv.URL, RateLimitPerSecond: 100, RateLimitBurst: 10, QueueWaitSeconds: 5},
	}}
	c := New(cfg, testLogger(), 3, nil)
	_, err = c.Analyze(context.Background(), config.BackendLocalHTTP, Request{
		Model: "llama3", Prompt: "hi", Timeout: 5 * time.Second, Schema: schema,
	}, "key4")
	require.Error(t, err)
	require.True(t, aerr.IsKind(err, aerr.KindPermanentBackend))
}

func TestTokenBucket_BlocksThenGivesUp(t *testing.T) {
	b := newTokenBucket(1, 1)
	require.True(t, b.tryAcquire())
	require.False(t, b.tryAcquire())

	_, ok := b.Wait(context.Background(), 20*time.Millisecond)
	require.False(t, ok)
}

func TestCloudHTTPBackend_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"summary":"from cloud"}`}},
			},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{Backends: map[config.Backend]config.AIBackendConfig{
		config.BackendCloudHTTP: {BaseURL: srv.URL, APIKey: "k", RateLimitPerSecond: 100, RateLimitBurst: 10, QueueWaitSeconds: 5},
	}}
	c := New(cfg, testLogger(), 3, nil)
	resp, err := c.Analyze(context.Background(), config.BackendCloudHTTP, Request{
		Model: "gpt-test", Prompt: "hi", Timeout: 5 * time.Second,
	}, "key5")
	require.NoError(t, err)
	require.Equal(t, "from cloud", resp.Parsed["summary"])
}
