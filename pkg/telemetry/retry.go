package telemetry

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"openattribution/pkg/errors"
)

// RetryConfig bounds the delivery retry loop. Transient failures are retried
// up to MaxRetries times with exponential backoff plus jitter; permanent
// failures are never retried.
type RetryConfig struct {
	MaxRetries int           // retries after the first attempt (default 3)
	BaseDelay  time.Duration // initial backoff, doubled each attempt (default 250ms)
	MaxDelay   time.Duration // backoff cap (default 5s)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// statusError carries a non-2xx HTTP response through the retry classifier.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("telemetry endpoint returned %d: %s", e.code, e.body)
}

// StatusCode returns the HTTP status code of the failed response.
func (e *statusError) StatusCode() int {
	return e.code
}

// isRetryableError classifies a delivery failure as transient (worth
// retrying) or permanent. Timeouts, connection failures, rate limiting and
// 5xx responses are transient; other 4xx responses and context cancellation
// are permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode()
		return code == http.StatusRequestTimeout ||
			code == http.StatusTooManyRequests ||
			code >= 500
	}

	// Network errors (timeouts, connection reset, refused) are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// url.Error and friends wrap the transport failure; anything that is not
	// an HTTP status rejection at this point came from the transport
	return true
}

// backoffDelay computes the sleep before retry attempt n (0-based): the base
// delay doubled each attempt, capped, randomized by up to half a base unit
// to avoid thundering-herd retries from many concurrent callers.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.BaseDelay)/2 + 1))
	return delay + jitter
}

// retry runs fn up to MaxRetries+1 times, sleeping between attempts and
// honoring context cancellation mid-backoff.
func retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "delivery cancelled")
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}

	return errors.Wrapf(errors.ErrDeliveryFailed, "max retries (%d) exceeded: %v", cfg.MaxRetries, lastErr)
}
