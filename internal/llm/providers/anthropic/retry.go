package anthropicprovider

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"agfinbot/internal/llm/core"
)

// classifyStreamError wraps an SDK stream failure, marking rate limits,
// overloads, server errors and network failures as retryable.
func classifyStreamError(err error) error {
	wrapped := fmt.Errorf("anthropic sdk stream: %w", err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return core.MarkRetryable(wrapped)
		}
		return wrapped
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.MarkRetryable(wrapped)
	}
	return wrapped
}

// retryAttempt reports whether a failed attempt may be retried. The policy
// must already be normalized; a negative MaxRetries never retries. Once any
// text reached the caller the stream is not replayed.
func retryAttempt(policy core.RetryPolicy, attempt int, err error, emittedVisible bool) bool {
	if policy.RetriesDisabled() || emittedVisible {
		return false
	}
	if core.IsAbort(err) || !core.IsRetryableError(err) {
		return false
	}
	return attempt < policy.MaxRetries
}
