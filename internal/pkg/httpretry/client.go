// Package httpretry provides an HTTP client with automatic retry logic,
// exponential backoff with jitter, and Retry-After honoring for resilient
// calls to the mail provider and the persistence service.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls retry behavior. The zero value is not usable;
// use DefaultPolicy or construct explicitly.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxDelay       time.Duration
}

// DefaultPolicy matches the provider-API retry defaults: 5 attempts,
// 1s initial backoff, doubling each attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		BackoffFactor:  2,
		MaxDelay:       60 * time.Second,
	}
}

// RetryClient wraps an HTTPDoer with retry logic.
// Retryable: 429, 503, and transport errors. Other 4xx/5xx responses are
// returned to the caller untouched. A 429 carrying a Retry-After header
// (delta-seconds or HTTP-date) waits exactly that long instead of backing off.
type RetryClient struct {
	client HTTPDoer
	policy Policy
}

// NewRetryClient creates a RetryClient wrapping the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
func NewRetryClient(client HTTPDoer, policy Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 1 * time.Second
	}
	if policy.BackoffFactor <= 1 {
		policy.BackoffFactor = 2
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 60 * time.Second
	}
	return &RetryClient{client: client, policy: policy}
}

// Do executes the HTTP request, retrying transient failures.
// On the final attempt the response is returned as-is so the caller can
// inspect the status code and body. Context cancellation is never retried.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.policy.MaxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
			}
			req.Body = body
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			// Transport error: retry after backoff.
			if attempt == rc.policy.MaxRetries {
				break
			}
			if err := rc.wait(req, rc.backoff(attempt)); err != nil {
				return nil, lastErr
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == rc.policy.MaxRetries {
			return resp, nil
		}

		delay := rc.backoff(attempt)
		if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			delay = after
		}
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)

		// Drain for connection reuse before retrying.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		log.Printf("httpretry: retry %d/%d for %s %s%s after %s (status %d)",
			attempt+1, rc.policy.MaxRetries, req.Method, req.URL.Host, req.URL.Path, delay, resp.StatusCode)

		if err := rc.wait(req, delay); err != nil {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// wait sleeps for the given delay, aborting early on context cancellation.
func (rc *RetryClient) wait(req *http.Request, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// backoff computes initial * factor^attempt plus up to one second of jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := float64(rc.policy.InitialBackoff) * math.Pow(rc.policy.BackoffFactor, float64(attempt))
	if d > float64(rc.policy.MaxDelay) {
		d = float64(rc.policy.MaxDelay)
	}
	return time.Duration(d) + time.Duration(rand.Float64()*float64(time.Second))
}

// parseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP-date.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// isRetryableStatus reports whether the status indicates a transient
// condition worth retrying: 429 (throttled) and 503 (overloaded).
// Other client and server errors propagate to the caller.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable
}
