package httpclient

import (
	"context"
	"errors"
	"math"
	"net"
	"net/url"
	"strings"
	"time"

	pipeerrors "github.com/tombee/pipectl/pkg/errors"
)

// RetryPolicy re-issues an operation that failed with a transient error.
// Only 5xx responses and transient network failures are retried; the delay
// before attempt n+1 is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts. Zero means no cap.
	MaxDelay time.Duration

	// OnRetry is invoked before each retry with the triggering error, the
	// attempt that just failed (1-indexed), and the delay about to be applied.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts with delays of 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// NoRetry returns a policy that calls the operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Backoff returns the delay applied after the given failed attempt (1-indexed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2.0, float64(attempt-1))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// ShouldRetry reports whether err is worth another attempt.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classifier pipeerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return IsTransientError(err)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. It returns the number of calls made.
//
// When retries are exhausted on a TransientNetworkError, its Attempts field
// is updated so callers can report it.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}

		if !p.ShouldRetry(err) {
			return attempt, err
		}

		if attempt >= maxAttempts {
			var transient *pipeerrors.TransientNetworkError
			if errors.As(err, &transient) {
				transient.Attempts = attempt
			}
			return attempt, err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
}

// ShouldRetryStatus reports whether an HTTP status code is a transient server failure.
func ShouldRetryStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// IsTransientError reports whether a transport-level error is likely to go
// away on its own: timeouts, refused or reset connections, DNS hiccups.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
		if IsTransientError(urlErr.Err) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	transientKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"temporary failure in name resolution",
		"eof",
	}

	for _, keyword := range transientKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}

	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
