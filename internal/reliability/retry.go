// Package reliability decides when a failed OCR call is worth repeating and
// how long to wait before the next attempt.
package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Policy bounds retries of one recognition request.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Delay is the wait before retry number attempt (1-based). A server hint
// wins over the exponential schedule but never exceeds Cap.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if p.Cap > 0 && hint > p.Cap {
			return p.Cap
		}
		return hint
	}
	return ExponentialBackoff(attempt-1, p.Base, p.Cap)
}

// IsRetryableHTTPStatus reports whether an OCR service response is worth
// retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableError classifies transport failures. Caller cancellation is
// final; timeouts, refused connections and truncated bodies are not.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// RetryAfter reads a Retry-After header in either delta-seconds or HTTP-date
// form. It returns 0 when the header is absent or unusable.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
