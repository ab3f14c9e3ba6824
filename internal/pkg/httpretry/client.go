// Package httpretry provides an HTTP client that retries transient failures
// with exponential backoff and jitter.
package httpretry

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/experiment-callouts/internal/pkg/backoff"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic.
type RetryClient struct {
	client HTTPDoer
	policy backoff.Policy
}

// NewRetryClient wraps client. A nil client gets a default http.Client with a
// 30s timeout. maxRetries is the number of retries after the first request
// (default 3).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	p := backoff.Default()
	p.Attempts = maxRetries + 1
	return &RetryClient{client: client, policy: p}
}

// WithPolicy replaces the backoff policy.
func (rc *RetryClient) WithPolicy(p backoff.Policy) *RetryClient {
	rc.policy = p
	return rc
}

// Do executes the request, retrying on 429/500/502/503/504 and network
// errors. Client errors and context cancellation are not retried. On the
// final attempt the response is returned as-is so the caller can read it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	attempts := rc.policy.Attempts

	for attempt := 1; attempt <= attempts; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 1 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}
			delay := rc.policy.Delay(attempt - 1)
			logger.Debug("httpretry: retrying", "attempt", attempt, "max", attempts,
				"host", req.URL.Host, "path", req.URL.Path, "wait", delay)
			if err := backoff.Sleep(req.Context(), delay); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) || attempt == attempts {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// IsRetryableStatus reports whether the status indicates a transient server
// condition: 429, 500, 502, 503 or 504.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
