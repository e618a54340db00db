package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/config"
)

// cloudHTTPBackend is a generic OpenAI-compatible chat-completions client,
// adapted from the teacher's internal/llm/providers/openaicompat/adapter.go
// (Complete path only — AIRES stage calls are request/response, never
// streamed, per spec §4.4).
type cloudHTTPBackend struct {
	cfg    config.AIBackendConfig
	client *http.Client
}

func newCloudHTTPBackend(cfg config.AIBackendConfig) *cloudHTTPBackend {
	return &cloudHTTPBackend{cfg: cfg, client: &http.Client{}}
}

func (a *cloudHTTPBackend) Name() string { return "cloudHTTP" }

func (a *cloudHTTPBackend) Complete(ctx context.Context, req Request) (Response, error) {
	messages := []map[string]any{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	body, err := json.Marshal(map[string]any{
		"model":           req.Model,
		"messages":        messages,
		"temperature":     req.Temperature,
		"max_tokens":      req.MaxTokens,
		"response_format": map[string]any{"type": "json_object"},
	})
	if err != nil {
		return Response{}, aerr.Wrap(aerr.KindConfig, "encoding cloudHTTP request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, aerr.BackendUnavailable(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, aerr.Timeout(a.Name(), err)
		}
		return Response{}, aerr.BackendUnavailable(a.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, aerr.Wrap(aerr.KindInfrastructure, "reading cloudHTTP response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := aerr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Response{}, aerr.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, string(raw), retryAfter)
	}

	return parseChatCompletions(a.Name(), req.Model, raw)
}

func parseChatCompletions(provider, model string, raw []byte) (Response, error) {
	var env struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Response{}, aerr.Wrap(aerr.KindPermanentBackend, "decoding chat.completions envelope", err)
	}
	if len(env.Choices) == 0 {
		return Response{}, aerr.SchemaMismatch(provider, fmt.Errorf("chat.completions response has no choices"))
	}
	text := env.Choices[0].Message.Content
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return Response{}, aerr.SchemaMismatch(provider, fmt.Errorf("model output is not a JSON object: %w", err))
	}
	if env.Model != "" {
		model = env.Model
	}
	return Response{RawText: text, Parsed: data, Provider: provider, Model: model}, nil
}
