package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// UnreachableError indicates the device could not be reached at all:
// DNS failure, refused connection, or any transport-level fault that is
// not a timeout.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("device unreachable at %s: %v", e.Host, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// TimeoutError indicates a request exceeded its deadline. Callers treat
// this differently from unreachability: a timeout mid-upload usually
// means the device rebooted into the new image before acknowledging.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusError indicates the device answered with a non-200 status.
// Detail carries the device's own error message when the body had one,
// otherwise the raw body text.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: device returned HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: device returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Detail)
}

// DecodeError indicates a 200 response whose body did not parse as the
// expected document.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err wraps an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// IsTimeout reports whether err wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// AsStatus extracts a StatusError from err's chain, if present.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsDecode reports whether err wraps a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// classify maps a transport error to the taxonomy. Cancellation passes
// through untouched so callers can tell an operator interrupt apart
// from a device fault.
func classify(host, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &UnreachableError{Host: host, Err: err}
}
