// Package transport defines the single-request HTTP capability the Graph client
// is built on, plus a net/http implementation of it.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// Request is a single outgoing HTTP request.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs exactly one HTTP exchange. Implementations must not retry
// and must return a Response for every status code the server sends.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f(ctx, req).
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Send performs req and converts network failures and non-2xx statuses into *Error.
func Send(ctx context.Context, t Transport, req *Request) (*Response, error) {
	resp, err := t.Do(ctx, req)
	if err != nil {
		return nil, &Error{Method: req.Method, URL: req.URL, Err: err}
	}
	if resp == nil {
		return nil, MalformedPayload(req.Method, req.URL, errors.New("transport returned no response"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &Error{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
			Err:        ErrUnexpectedStatus,
		}
	}

	return resp, nil
}
