// Package backend is the HTTP client for the remote generation backend used
// in external dispatch mode. The backend accepts a batch and later reports
// its results to the webhook callback URL.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/generation"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
)

// ErrRejected is returned when the backend refuses a handoff with a 4xx
// response. Resending the same request will not help.
var ErrRejected = fmt.Errorf("%w: backend rejected handoff", generation.ErrInvalidResponse)

const maxErrorBody = 4 << 10

// Request is the batch handed to the backend.
type Request struct {
	BatchID      uuid.UUID            `json:"batch_id"`
	CallbackURL  string               `json:"callback_url"`
	Rows         []domain.Row         `json:"rows"`
	Prompt       string               `json:"prompt"`
	OutputSchema []domain.OutputField `json:"output_schema"`
	Tools        []string             `json:"tools"`
	SourceURL    string               `json:"source_url,omitempty"`
}

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client submits batches to the remote backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client from the backend configuration.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "backend_client")),
	}
}

// Handoff submits a batch for asynchronous processing. Network failures,
// throttling and 5xx responses wrap generation.ErrTransientFailure; other
// non-2xx responses wrap ErrRejected.
func (c *Client) Handoff(ctx context.Context, req Request) error {
	log := logger.FromContextOrDefault(ctx, c.logger).With(slog.String("batch_id", req.BatchID.String()))

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode handoff: %v", domain.ErrInvalidFormat, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build handoff request: %v", generation.ErrInvalidConfig, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Info("batch handed off to backend",
			slog.Int("rows", len(req.Rows)),
			slog.Duration("duration", time.Since(start)))
		return nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	log.Warn("backend refused handoff", slog.Int("status", resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", generation.ErrTransientFailure, statusErr)
	}
	return fmt.Errorf("%w: %w", ErrRejected, statusErr)
}
