package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/graph-batch-client/pkg/transport"
	"github.com/rs/zerolog"
)

type batchPayload struct {
	Requests []SubRequest `json:"requests"`
}

type batchResult struct {
	Responses []SubResponse `json:"responses"`
}

// Dispatcher sends one composite $batch request and decodes the sub-responses.
type Dispatcher struct {
	transport transport.Transport
	baseURL   string
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher posting to {baseURL}/{version}/$batch.
func NewDispatcher(t transport.Transport, baseURL string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}
}

// Endpoint returns the $batch URL for an endpoint version such as "v1.0" or "beta".
func (d *Dispatcher) Endpoint(version string) string {
	return d.baseURL + "/" + strings.Trim(version, "/") + "/$batch"
}

// Dispatch sends requests as one composite POST. Failures of the outer exchange
// are returned as *transport.Error and are never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, version string, requests []SubRequest) ([]SubResponse, error) {
	url := d.Endpoint(version)

	payload, err := json.Marshal(batchPayload{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}

	batchDispatchesTotal.Inc()
	d.logger.Debug().
		Str("url", url).
		Int("requests", len(requests)).
		Msg("Dispatching batch")

	resp, err := transport.Send(ctx, d.transport, &transport.Request{
		Method: http.MethodPost,
		URL:    url,
		Body:   payload,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("url", url).Msg("Batch dispatch failed")
		return nil, err
	}

	var result batchResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, transport.MalformedPayload(http.MethodPost, url, err)
	}

	for _, sub := range result.Responses {
		subRequestsTotal.WithLabelValues(statusClass(sub.Status)).Inc()
	}

	return result.Responses, nil
}

func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
