package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs a command against the Atlas Command HTTP API on behalf of
// a mesh client. Command business logic lives behind this boundary.
type Executor interface {
	Execute(ctx context.Context, command string, data any) (any, error)
}

// HTTPExecutor is the production executor: JSON over HTTPS with a bearer
// token.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPExecutor builds an executor for the given API base URL. The token
// is injected by the embedding CLI (from ATLAS_API_TOKEN); this package
// never reads the environment itself.
func NewHTTPExecutor(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

type commandRequest struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}

// Execute posts the command to the API and returns the decoded result.
func (e *HTTPExecutor) Execute(ctx context.Context, command string, data any) (any, error) {
	body, err := json.Marshal(commandRequest{Command: command, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", command, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	e.logger.Debug().
		Str("command", command).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Command executed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api returned %d for %s: %s", resp.StatusCode, command, raw)
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
