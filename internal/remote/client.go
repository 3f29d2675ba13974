// Package remote talks to the aggregation server: single-snapshot submits,
// share-link requests and the debounced submission scheduler.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wtsync.dev/internal/protocol"
)

const maxResponseBody = 16 * 1024

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.Code, e.Body)
}

// Transient reports a server-side failure worth one more attempt.
func (e *StatusError) Transient() bool { return e.Code >= 500 && e.Code <= 599 }

type ClientConfig struct {
	BaseURL     string
	UserAgent   string
	HTTPTimeout time.Duration
}

type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty server url")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("server url must be http(s): %q", cfg.BaseURL)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "wtsync/" + protocol.Version
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Submit posts one identity's snapshot. A nil status erases it on the server.
func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) error {
	_, err := c.post(ctx, "/api/submit", req)
	return err
}

// RequestShare asks the server for a link showing the given members.
func (c *Client) RequestShare(ctx context.Context, members []protocol.ShareMember) (protocol.ShareResponse, error) {
	body, err := c.post(ctx, "/api/share", protocol.ShareRequest{Members: members})
	if err != nil {
		return protocol.ShareResponse{}, err
	}
	var out protocol.ShareResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return protocol.ShareResponse{}, fmt.Errorf("share response: %w", err)
	}
	if !out.OK || out.URL == "" {
		return out, fmt.Errorf("share rejected")
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
}
