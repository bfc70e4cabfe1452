package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ThrottledError means the channel refused the message because of rate limits.
// It never counts against the recipient.
type ThrottledError struct {
	RetryAfter time.Duration
	StatusCode int
	Cause      error
}

func (e *ThrottledError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := "gateway throttled"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s: retry after %s", msg, e.RetryAfter)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause.Error())
	}
	return msg
}

func (e *ThrottledError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// GatewayError classifies a delivery failure as transient or permanent.
type GatewayError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "gateway error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AsThrottled returns the throttle signal carried by err, if any.
func AsThrottled(err error) (*ThrottledError, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) && throttled != nil {
		return throttled, true
	}
	return nil, false
}

func IsThrottled(err error) bool {
	_, ok := AsThrottled(err)
	return ok
}

// IsTransient reports whether err is an outage worth retrying later.
// Throttling is reported separately by IsThrottled.
func IsTransient(err error) bool {
	if err == nil || IsThrottled(err) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

func isTransientStatus(statusCode int) bool {
	return statusCode == 408 || (statusCode >= 500 && statusCode <= 599)
}
