// Package retry classifies transient failures and computes backoff delays
// for the JMAP client's background loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"jmapmail/internal/common/logger"
)

// MaxDelay caps every delay computed by Backoff when max is zero.
const MaxDelay = 30 * time.Second

// IsRetryableError determines if an error is transient and worth retrying.
// Context cancellation and authentication failures are never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"try again",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"unexpected eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status signals a transient
// server condition (429 and 5xx except 501).
func IsRetryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusNotImplemented:
		return false
	case status >= 500 && status < 600:
		return true
	}
	return false
}

// Backoff returns base * 2^attempt capped at max (MaxDelay when max is 0).
// Attempt 0 yields base.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if max <= 0 {
		max = MaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// RetryWithBackoff runs operation up to maxRetries+1 times, sleeping
// Backoff(attempt, baseDelay, 0) between retryable failures.
func RetryWithBackoff(ctx context.Context, log *slog.Logger, maxRetries int, baseDelay time.Duration, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			if attempt > 0 {
				logger.LogDebug(log, "Operation succeeded after retries", "retries", attempt)
			}
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
		}

		delay := Backoff(attempt, baseDelay, 0)
		logger.LogWarn(log, "Retryable error encountered",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"delay", delay,
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}
