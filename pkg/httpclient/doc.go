// Package httpclient provides the HTTP client factory and retry policy used
// to talk to the pipeline API.
//
// The client created by New carries secure defaults:
//   - Request logging with sanitized URLs (sensitive parameters redacted)
//   - User-Agent header injection
//   - Correlation ID propagation
//   - TLS 1.2 minimum (TLS 1.3 preferred)
//   - Connection pooling
//
// Retries are not done at the transport layer. Pipeline steps are POST
// requests with JSON bodies, so the whole request is re-issued by a
// RetryPolicy instead:
//
//	policy := httpclient.DefaultRetryPolicy()
//	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
//	    _, err := api.Clean(ctx, req)
//	    return err
//	})
//
// # Retry Behavior
//
//   - Retries HTTP 5xx server errors
//   - Retries transient network errors (connection refused, reset, timeouts)
//   - Does NOT retry 4xx client errors, including 429
//   - At most MaxAttempts calls in total, delay doubling from BaseDelay
package httpclient
