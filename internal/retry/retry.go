// Package retry holds the backoff policy shared by the outbound HTTP clients.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds retries with capped exponential backoff.
// The zero Policy makes a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Backoff returns a fresh backoff sequence for p.
func (p Policy) Backoff() goretry.Backoff {
	p = p.WithDefaults()
	b := goretry.NewExponential(p.BaseDelay)
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	return goretry.WithMaxRetries(uint64(p.MaxRetries), b)
}

// Retryable reports whether an HTTP status should be retried: 429 and 5xx only.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// Delay returns the wait before retry number attempt (1-based), honoring Retry-After seconds.
func (p Policy) Delay(attempt int, retryAfterHeader string) time.Duration {
	p = p.WithDefaults()
	if retryAfter := ParseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, p.MaxDelay)
	}
	b := goretry.WithCappedDuration(p.MaxDelay, goretry.NewExponential(p.BaseDelay))
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay, _ = b.Next()
	}
	return delay
}

// ParseRetryAfter reads a Retry-After header given in seconds. Other forms yield 0.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. A positive retryAfter replaces the next backoff step.
func Transient(err error, retryAfter time.Duration) error {
	return &transientError{err: err, retryAfter: retryAfter}
}

// Do calls fn until it succeeds, returns an error not marked Transient, or the retry budget is spent.
// It returns the number of attempts made and the last error, unwrapped from Transient.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	p = p.WithDefaults()
	base := p.Backoff()
	var attempts int
	var hint time.Duration
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := base.Next()
		if stop {
			return 0, true
		}
		if hint > 0 {
			next = min(hint, p.MaxDelay)
			hint = 0
		}
		return next, false
	})
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		var te *transientError
		if errors.As(err, &te) {
			hint = te.retryAfter
			return goretry.RetryableError(te.err)
		}
		return err
	})
	return attempts, err
}
