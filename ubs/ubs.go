// Package ubs implements the Unified Binary Store client.
//
// The UBS resolves SHA-256 hashes to time-limited download URLs. Resolution
// returns a (found, error, not_found) triple; transport failures map to the
// whole hash set landing in the error bucket so callers can re-enqueue it.
package ubs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/sandbox/log"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// FoundBinary is a resolved hash with its download URL.
type FoundBinary struct {
	SHA256 string `json:"sha256"`
	URL    string `json:"url"`
}

// Downloads is the UBS resolution triple.
type Downloads struct {
	Found    []FoundBinary `json:"found"`
	Error    []string      `json:"error"`
	NotFound []string      `json:"not_found"`
}

// Config configures the UBS client.
type Config struct {
	// URL is the base URL of the UBS API (required).
	URL string
	// Token is the API token sent with each request.
	Token string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
}

// Client talks to the UBS API.
type Client struct {
	config Config
	client *http.Client
	logger *log.Logger
}

// New creates a UBS client from the given config.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ubs client requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Resolve maps the given hashes to download URLs.
//
// Transport and decode failures are not surfaced as errors: the whole input
// lands in the triple's Error bucket, and the caller re-enqueues retrieval
// of that bucket. The pipeline never loses hashes to a flaky UBS.
func (c *Client) Resolve(ctx context.Context, hashes []string) *Downloads {
	body, err := json.Marshal(map[string]any{"hashes": hashes})
	if err != nil {
		// Hashes are plain strings; this cannot fail in practice.
		c.logger.Error("ubs: marshal resolve request", map[string]any{"error": err.Error()})
		return &Downloads{Error: hashes}
	}

	downloads, err := c.doResolve(ctx, body)
	if err != nil {
		c.logger.Error("ubs responded with an error", map[string]any{
			"error":  err.Error(),
			"hashes": len(hashes),
		})
		return &Downloads{Error: hashes}
	}
	return downloads
}

func (c *Client) doResolve(ctx context.Context, body []byte) (*Downloads, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.URL+"/ubs/v1/orgs/downloads", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ubs: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ubs: resolve: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ubs: resolve: unexpected status %d", resp.StatusCode)
	}

	var downloads Downloads
	if err := json.NewDecoder(resp.Body).Decode(&downloads); err != nil {
		return nil, fmt.Errorf("ubs: decode resolve response: %w", err)
	}
	return &downloads, nil
}

// Search runs a process-search query upstream of the UBS and returns the
// SHA-256 hashes of the matching processes. Limit <= 0 means no limit.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]string, error) {
	reqBody := map[string]any{"query": query}
	if limit > 0 {
		reqBody["limit"] = limit
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ubs: marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.URL+"/pscr/query/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ubs: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ubs: search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ubs: search: unexpected status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Hashes []string `json:"hashes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ubs: decode search response: %w", err)
	}
	return result.Hashes, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("X-Auth-Token", c.config.Token)
	}
}
