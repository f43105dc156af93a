package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/pagination"
	"github.com/Sternrassler/graph-batch-client/pkg/transport"
)

// ErrorClass represents a classification of client errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents 429 responses outside a batch envelope.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents undecodable response payloads.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassCorrelation represents batch responses that do not match their requests.
	ErrorClassCorrelation ErrorClass = "correlation"

	// ErrorClassLimit represents exhausted throttle retries or page limits.
	ErrorClassLimit ErrorClass = "limit"

	// ErrorClassCancelled represents context cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInvalid represents rejected caller input.
	ErrorClassInvalid ErrorClass = "invalid"
)

// Classify categorizes an error for observability and handling.
// Returns "" for nil.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, batch.ErrContextCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// A transport error caused by cancellation is not a network failure.
		return ErrorClassCancelled
	case errors.Is(err, batch.ErrCorrelationMismatch):
		return ErrorClassCorrelation
	case errors.Is(err, batch.ErrRetryExhausted), errors.Is(err, pagination.ErrPageLimit):
		return ErrorClassLimit
	case errors.Is(err, batch.ErrInvalidMethod):
		return ErrorClassInvalid
	case errors.Is(err, transport.ErrMalformedPayload):
		return ErrorClassMalformed
	}

	var terr *transport.Error
	if !errors.As(err, &terr) {
		return ErrorClassInvalid
	}

	switch {
	case terr.StatusCode == 0:
		return ErrorClassNetwork
	case terr.StatusCode == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case terr.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}
