// Package sink implements the downstream result sinks.
//
// A feed is an append-only report stream; a watchlist is an alerting channel
// (dispatch to watchlists is reserved and currently a no-op). Dispatch
// packages analysis results into reports and appends them to the feed
// configured for the originating connector.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 2

// Report is one dispatched analysis result in the shape the feed API
// expects.
type Report struct {
	ID          string           `json:"id"`
	Timestamp   int64            `json:"timestamp"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Severity    int              `json:"severity"`
	IOCsV2      []map[string]any `json:"iocs_v2"`
}

// StatusError is returned for non-2xx feed API responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed API returned status %d: %s", e.Code, e.Body)
}

// Config configures the feed client.
type Config struct {
	// URL is the base URL of the feed API (required).
	URL string
	// Token is the API token sent with each request.
	Token string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Retries is the number of retry attempts on transient failure
	// (default 2).
	Retries int
}

// FeedClient appends reports to feeds.
type FeedClient struct {
	config Config
	client *http.Client
}

// NewFeedClient creates a feed client from the given config.
func NewFeedClient(cfg Config) (*FeedClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed client requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &FeedClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// AppendReports appends the reports to the feed with the given ID.
// Retries with exponential backoff on 5xx responses and network errors;
// 4xx responses are non-retriable and fail immediately.
func (f *FeedClient) AppendReports(ctx context.Context, feedID string, reports []Report) error {
	if len(reports) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{"reports": reports})
	if err != nil {
		return fmt.Errorf("feed: marshal reports: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + f.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("feed: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("feed: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = f.doAppend(ctx, feedID, body)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("feed: non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("feed: failed after %d attempts: %w", attempts, lastErr)
}

func (f *FeedClient) doAppend(ctx context.Context, feedID string, body []byte) error {
	url := fmt.Sprintf("%s/threathunter/feedmgr/v2/feeds/%s/reports", f.config.URL, feedID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.config.Token != "" {
		req.Header.Set("X-Auth-Token", f.config.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed: append reports: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}
