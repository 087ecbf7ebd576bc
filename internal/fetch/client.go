package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/hatrack/internal/config"
)

// Client materializes source images referenced by URL. Timeout and retry
// policy live here, at the boundary; the render pipeline only sees bytes or
// a loader callback.
type Client struct {
	httpClient   *http.Client
	limits       config.LimitsConfig
	maxAttempts  int
	retryBackoff time.Duration
}

func NewClient(limits config.LimitsConfig) *Client {
	timeout := time.Duration(limits.URLFetchTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limits:       limits,
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}
}

// Probe asks the source for a change validator (ETag preferred, then
// Last-Modified) without downloading the body. An unreachable source returns
// an empty validator rather than an error: the cache key then degrades to
// identifier-only invalidation.
func (c *Client) Probe(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	if etag := strings.Trim(resp.Header.Get("ETag"), `"`); etag != "" {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}

// Fetch downloads the source image, enforcing the URL safety rules and the
// configured size cap.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limits.ValidateURLSafety(rawURL); err != nil {
		return nil, err
	}

	var lastErr error
	backoff := c.retryBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, retryable, err := c.fetchOnce(ctx, rawURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) (data []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("source returned status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, false, fmt.Errorf("source is not an image: %s", contentType)
	}

	maxBytes := c.limits.MaxFileSizeBytes()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("read source body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, false, fmt.Errorf("source exceeds %d MB limit", c.limits.MaxFileSizeMB)
	}

	return body, false, nil
}
