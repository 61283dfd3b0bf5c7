package rapidpro

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// BadRequestError is a 400 from the gateway. It carries the response payload
// so the rejected request can be diagnosed. Never retried.
type BadRequestError struct {
	Payload string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("gateway rejected request: %s", e.Payload)
}

// RateExceededError is a 429 from the gateway. Transient.
type RateExceededError struct {
	RetryAfter string
}

func (e *RateExceededError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("gateway rate exceeded, retry after %s", e.RetryAfter)
	}
	return "gateway rate exceeded"
}

// HTTPError is any other non-2xx gateway response. Transient.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway returned %s", e.Status)
}

// Transient reports whether err is worth retrying: rate limits, server
// errors, timeouts, and network failures. Bad requests are permanent.
func Transient(err error) bool {
	var badRequest *BadRequestError
	if errors.As(err, &badRequest) {
		return false
	}

	var rateExceeded *RateExceededError
	if errors.As(err, &rateExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
