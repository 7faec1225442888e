package coordinate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// error taxonomy for the coordination layer:
// - RequestError: non-2xx status or an explicit `ok: false` envelope
// - ParseError: response body was not valid JSON
// - TimeoutError: a write attempt deadline elapsed
// - ErrCanceled: operation superseded or caller unmounted, never user-visible
// session expiry is a RequestError with status 401, broadcast globally
// by the SessionMonitor rather than handled locally

type RequestError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (self *RequestError) Error() string {
	if self.Message != "" {
		return fmt.Sprintf("request error (%d): %s", self.StatusCode, self.Message)
	}
	return fmt.Sprintf("request error (%d)", self.StatusCode)
}

type ParseError struct {
	Cause error
}

func (self *ParseError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("response was not valid json: %s", self.Cause)
	}
	return "response was not valid json"
}

func (self *ParseError) Unwrap() error {
	return self.Cause
}

// surfaced when a write attempt (or its single automatic retry) times out.
// the identifiers are the ones already sent to the backend, so the caller
// can resubmit the same logical operation explicitly.
type TimeoutError struct {
	RequestId      Id
	IdempotencyKey Id
	AttemptCount   int
	Retried        bool
	SafeToResubmit bool
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf(
		"timed out after %d attempt(s), safe to resubmit with idempotency key %s",
		self.AttemptCount,
		self.IdempotencyKey,
	)
}

var ErrCanceled = errors.New("operation canceled")

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

func IsSessionExpired(err error) bool {
	var requestError *RequestError
	if errors.As(err, &requestError) {
		return requestError.StatusCode == http.StatusUnauthorized
	}
	return false
}

// a network-level timeout, distinct from a bad status or a bad body
func isAttemptTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	if errors.As(err, &netError) {
		return netError.Timeout()
	}
	return false
}
