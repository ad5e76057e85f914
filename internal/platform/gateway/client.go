// Package gateway delivers outbound callbacks: asynchronous fetch/status
// responses back to the federation gateway, and lifecycle notifications to
// HIU/HIP endpoints. Every call is a bounded JSON POST.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) { g.httpClient = c }
}

// Client posts JSON payloads to callback endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a Client. baseURL is the gateway root for correlated responses;
// absolute URLs passed to Post are used verbatim.
func New(baseURL string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Post sends payload as JSON to url. A non-2xx response is an error; at most
// 1KB of the response body is read back for the error message.
func (c *Client) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback to %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("url", url).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("callback delivered")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("callback to %s: status %d: %s", url, resp.StatusCode, string(detail))
	}
	return nil
}

// PostPath sends payload to a path under the gateway base URL.
func (c *Client) PostPath(ctx context.Context, path string, payload any) error {
	return c.Post(ctx, c.baseURL+path, payload)
}
