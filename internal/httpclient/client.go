// Package httpclient provides the HTTP session used for all upstream calls:
// a pooled client with a fixed per-request timeout and bounded retry on
// transient failures.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 5

	maxRetryAfter = 30 * time.Second
)

// Statuses retried in addition to connection-level failures. Any other status,
// 2xx or not, is returned to the caller to decide policy.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Response struct {
	StatusCode int
	Body       []byte
}

type Client struct {
	HTTP           *http.Client
	Attempts       int
	InitialBackoff time.Duration
}

func New(timeout time.Duration) *Client {
	return &Client{
		HTTP: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
			},
		},
		Attempts:       DefaultAttempts,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// Get issues a GET, retrying connection failures and retryable statuses with
// exponential backoff. A Retry-After header on a retryable response overrides
// the backoff wait. It fails only after exhausting every attempt; terminal
// non-2xx responses are returned without error.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialBackoff
	bo.Reset()

	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < c.Attempts; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			if retryAfter > wait {
				wait = retryAfter
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		retryAfter = 0

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			continue
		}
		if retryableStatus[resp.StatusCode] {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.Attempts, lastErr)
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryAfter {
			return maxRetryAfter
		}
		return d
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			if d > maxRetryAfter {
				return maxRetryAfter
			}
			return d
		}
	}
	return 0
}
