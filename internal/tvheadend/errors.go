package tvheadend

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError is returned when every configured authentication scheme was
// rejected by the server.
type AuthError struct {
	Schemes []string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tvheadend: credentials rejected (tried %s)", strings.Join(e.Schemes, ", "))
}

// ConnectionError is returned for network failures, DNS failures, timeouts
// and cancellation. It unwraps to the underlying cause.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tvheadend: connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is returned for non-2xx responses other than an
// authentication rejection, and for bodies that cannot be decoded.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tvheadend: request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tvheadend: request failed with status %d", e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Kind names the error class of err for logs and metrics: "auth",
// "connection", "request" or "unknown".
func Kind(err error) string {
	var authErr *AuthError
	var connErr *ConnectionError
	var reqErr *RequestError

	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &reqErr):
		return "request"
	default:
		return "unknown"
	}
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsRequestError reports whether err is a RequestError.
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}
