package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/config"
)

// localHTTPBackend targets an Ollama-style local inference server: POST
// /api/generate with {model, prompt, system, format:"json", options}.
type localHTTPBackend struct {
	cfg    config.AIBackendConfig
	client *http.Client
}

func newLocalHTTPBackend(cfg config.AIBackendConfig) *localHTTPBackend {
	return &localHTTPBackend{cfg: cfg, client: &http.Client{}}
}

func (a *localHTTPBackend) Name() string { return "localHTTP" }

type localHTTPRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type localHTTPResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
}

func (a *localHTTPBackend) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(localHTTPRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Format: "json",
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	})
	if err != nil {
		return Response{}, aerr.Wrap(aerr.KindConfig, "encoding localHTTP request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, aerr.BackendUnavailable(a.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return Response{}, aerr.Wrap(aerr.KindInfrastructure, "reading localHTTP response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := aerr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Response{}, aerr.ErrorFromHTTPStatus(a.Name(), resp.StatusCode, string(raw), retryAfter)
	}

	var parsed localHTTPResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, aerr.Wrap(aerr.KindPermanentBackend, "decoding localHTTP response envelope", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(parsed.Response), &data); err != nil {
		return Response{}, aerr.SchemaMismatch(a.Name(), fmt.Errorf("model output is not a JSON object: %w", err))
	}

	return Response{RawText: parsed.Response, Parsed: data, Provider: a.Name(), Model: parsed.Model}, nil
}
