package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the transport layer.
var (
	// ErrUnexpectedStatus is returned when the server answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrMalformedPayload is returned when a response body cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Error describes a failed HTTP exchange. It is never retried by the batch engine.
type Error struct {
	Method     string
	URL        string
	StatusCode int // 0 for network failures
	Header     http.Header
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("graph transport: %s %s: status %d: %v",
			e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("graph transport: %s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsThrottled reports whether err is a transport error carrying status 429.
func IsThrottled(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusTooManyRequests
}

// MalformedPayload wraps a decoding failure for the given exchange.
func MalformedPayload(method, url string, err error) error {
	return &Error{
		Method: method,
		URL:    url,
		Err:    fmt.Errorf("%w: %v", ErrMalformedPayload, err),
	}
}
