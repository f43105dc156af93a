package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Prometheus metrics for raw HTTP exchanges.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_requests_total",
		Help: "Total Graph HTTP requests by method and status",
	}, []string{"method", "status"})

	graphRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graph_request_duration_seconds",
		Help:    "Graph HTTP request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)

// ClientRequestIDHeader correlates a request with Graph's server-side logs.
const ClientRequestIDHeader = "client-request-id"

// Config holds the HTTP transport configuration.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// TokenSource, when set, injects "Authorization: Bearer" headers.
	// Acquiring and refreshing tokens is the source's responsibility.
	TokenSource oauth2.TokenSource

	// RequestsPerSecond paces outgoing requests client-side (0 disables pacing).
	RequestsPerSecond float64

	// Burst is the pacing burst size (defaults to 1 when pacing is enabled).
	Burst int

	// Base is the underlying round tripper (default: http.DefaultTransport).
	Base http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     zerolog.Logger
}

// NewHTTP creates a new HTTP transport.
func NewHTTP(cfg Config) (*HTTPTransport, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %v)", cfg.RequestsPerSecond)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.TokenSource != nil {
		base = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, cfg.TokenSource),
			Base:   base,
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPTransport{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: base,
		},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		logger:    log.With().Str("component", "graph-transport").Logger(),
	}, nil
}

// Do performs one HTTP exchange and reads the full response body.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("request pacing: %w", err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	// Graph echoes client-request-id in its diagnostics.
	requestID := httpReq.Header.Get(ClientRequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		httpReq.Header.Set(ClientRequestIDHeader, requestID)
	}

	startTime := time.Now()
	defer func() {
		graphRequestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	t.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Str("client_request_id", requestID).
		Msg("Executing Graph request")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.Error().
			Err(err).
			Str("url", req.URL).
			Str("client_request_id", requestID).
			Msg("HTTP request failed")
		graphRequestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		graphRequestsTotal.WithLabelValues(req.Method, "read_error").Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	graphRequestsTotal.WithLabelValues(req.Method, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
