// Package client provides the Graph client facade: single-request verbs,
// next-link following reads, and throttle-aware $batch execution.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/cache"
	"github.com/Sternrassler/graph-batch-client/pkg/pagination"
	"github.com/Sternrassler/graph-batch-client/pkg/ratelimit"
	"github.com/Sternrassler/graph-batch-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	graphOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_client_operations_total",
		Help: "Total client operations by operation and result",
	}, []string{"operation", "result"})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_client_errors_total",
		Help: "Total client errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the public Microsoft Graph host.
	DefaultBaseURL = "https://graph.microsoft.com"

	// DefaultVersion is the API version used for relative URLs.
	DefaultVersion = "v1.0"
)

// Client is the main Graph client.
type Client struct {
	transport transport.Transport
	batch     *batch.Executor
	paginator *pagination.Paginator
	tracker   *ratelimit.Tracker
	cache     *cache.Manager
	config    Config
	logger    zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Transport performs single HTTP exchanges (REQUIRED)
	Transport transport.Transport

	// BaseURL is the Graph host, e.g. "https://graph.microsoft.com"
	BaseURL string

	// DefaultVersion is prefixed to relative URLs ("v1.0", "beta")
	DefaultVersion string

	// Redis enables the shared throttle window and the page cache (optional)
	Redis *redis.Client

	// Caching
	CacheTTL   time.Duration // Fallback TTL for pages without an Expires header
	CacheScope string        // Isolates cached pages per tenant or user

	// Batching
	ChunkSize          int
	ThrottlePenalty    time.Duration
	MaxThrottleRetries int  // 0 = retry until no sub-request is throttled
	PreserveOrder      bool // Return batch records in input order

	// Pagination
	MaxPages int // 0 = follow every next link
}

// DefaultConfig returns a configuration for the public Graph endpoint.
func DefaultConfig(t transport.Transport) Config {
	return Config{
		Transport:       t,
		BaseURL:         DefaultBaseURL,
		DefaultVersion:  DefaultVersion,
		CacheTTL:        cache.DefaultTTL,
		ChunkSize:       batch.MaxChunkSize,
		ThrottlePenalty: batch.DefaultThrottlePenalty,
	}
}

// New creates a new Graph client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.DefaultVersion == "" {
		return nil, fmt.Errorf("default version is required")
	}

	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max_pages must be >= 0 (got %d)", cfg.MaxPages)
	}

	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "graph-client").Logger()

	c := &Client{
		transport: cfg.Transport,
		config:    cfg,
		logger:    logger,
	}

	batchCfg := batch.Config{
		BaseURL:            cfg.BaseURL,
		ChunkSize:          cfg.ChunkSize,
		ThrottlePenalty:    cfg.ThrottlePenalty,
		MaxThrottleRetries: cfg.MaxThrottleRetries,
		PreserveOrder:      cfg.PreserveOrder,
	}

	if cfg.Redis != nil {
		c.tracker = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
		batchCfg.Cooldown = c.tracker
	}

	executor, err := batch.New(cfg.Transport, batchCfg)
	if err != nil {
		return nil, err
	}
	c.batch = executor
	c.paginator = pagination.New(c, pagination.Config{MaxPages: cfg.MaxPages})

	return c, nil
}

// Get reads url. Collection responses are followed through every next link and
// returned as one JSON array; single resources are returned unmodified.
func (c *Client) Get(ctx context.Context, url string) (json.RawMessage, error) {
	data, err := c.paginator.Read(ctx, c.resolveURL(url))
	c.observe("get", err)
	return data, err
}

// Delete deletes the resource at url.
func (c *Client) Delete(ctx context.Context, url string) (json.RawMessage, error) {
	data, err := c.write(ctx, http.MethodDelete, url, nil)
	c.observe("delete", err)
	return data, err
}

// Post sends body to url. Non-JSON bodies are encoded with encoding/json.
func (c *Client) Post(ctx context.Context, url string, body any) (json.RawMessage, error) {
	data, err := c.write(ctx, http.MethodPost, url, body)
	c.observe("post", err)
	return data, err
}

// Put replaces the resource at url with body.
func (c *Client) Put(ctx context.Context, url string, body any) (json.RawMessage, error) {
	data, err := c.write(ctx, http.MethodPut, url, body)
	c.observe("put", err)
	return data, err
}

// Patch updates the resource at url with body.
func (c *Client) Patch(ctx context.Context, url string, body any) (json.RawMessage, error) {
	data, err := c.write(ctx, http.MethodPatch, url, body)
	c.observe("patch", err)
	return data, err
}

// Batch executes requests through the $batch endpoint of version. An empty
// version uses Config.DefaultVersion. Request URLs are relative to the version,
// e.g. "/users/42".
func (c *Client) Batch(ctx context.Context, version string, requests []batch.Request) ([]batch.ResponseRecord, error) {
	if version == "" {
		version = c.config.DefaultVersion
	}

	records, err := c.batch.Execute(ctx, version, requests)
	c.observe("batch", err)
	return records, err
}

// FetchPage performs a single GET and returns the raw body. It serves fresh
// cached pages directly and revalidates stale ones with a conditional request.
func (c *Client) FetchPage(ctx context.Context, url string) (json.RawMessage, error) {
	req := &transport.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: http.Header{},
	}

	var cacheKey cache.CacheKey
	var cached *cache.CacheEntry
	if c.cache != nil {
		key, err := cache.KeyFromURL(url, c.config.CacheScope)
		if err != nil {
			return nil, fmt.Errorf("cache key: %w", err)
		}
		cacheKey = key

		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).Str("url", url).Msg("Cache get error")
		}
		if entry != nil && !entry.IsExpired() {
			return entry.Data, nil
		}
		if entry != nil && cache.ShouldMakeConditionalRequest(entry) {
			cached = entry
			cache.AddConditionalHeaders(req.Header, entry)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("url", url).
				Str("etag", entry.ETag).
				Msg("Making conditional request")
		}
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		if cached != nil && resp != nil && resp.StatusCode == http.StatusNotModified {
			return c.revalidated(ctx, cacheKey, cached, resp), nil
		}
		return nil, err
	}

	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return resp.Body, nil
}

// revalidated extends a cached page confirmed by 304 Not Modified.
func (c *Client) revalidated(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry, resp *transport.Response) json.RawMessage {
	cache.NotModifiedResponses.Inc()
	c.logger.Debug().Str("url", key.Endpoint).Msg("304 Not Modified - using cache")

	refreshed, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
	if err == nil {
		if err := c.cache.UpdateTTL(ctx, key, refreshed.Expires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
	}

	return entry.Data
}

// write performs a single non-paginated request. Successful writes drop the
// cached page for the same URL.
func (c *Client) write(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	encoded, err := batch.EncodeBody(body)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{
		Method: method,
		URL:    c.resolveURL(url),
		Body:   encoded,
		Header: http.Header{},
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if key, err := cache.KeyFromURL(req.URL, c.config.CacheScope); err == nil {
			if err := c.cache.Delete(ctx, key); err != nil {
				c.logger.Warn().Err(err).Str("url", req.URL).Msg("Failed to invalidate cached page")
			}
		}
	}

	if len(resp.Body) == 0 {
		return nil, nil
	}
	return resp.Body, nil
}

// send honours the shared throttle window and records new windows from 429 responses.
func (c *Client) send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := c.awaitCooldown(ctx); err != nil {
		return nil, err
	}

	resp, err := transport.Send(ctx, c.transport, req)
	if transport.IsThrottled(err) && c.tracker != nil {
		if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record throttle window")
		}
	}
	return resp, err
}

func (c *Client) awaitCooldown(ctx context.Context) error {
	if c.tracker == nil {
		return nil
	}

	remaining, err := c.tracker.Remaining(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Throttle cooldown lookup failed")
		return nil
	}
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", batch.ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// resolveURL turns "/me" into "{BaseURL}/{DefaultVersion}/me". Absolute URLs
// (including next links) are returned unchanged.
func (c *Client) resolveURL(url string) string {
	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		return url
	}
	return c.config.BaseURL + "/" + c.config.DefaultVersion + "/" + strings.TrimLeft(url, "/")
}

func (c *Client) observe(operation string, err error) {
	if err == nil {
		graphOperationsTotal.WithLabelValues(operation, "ok").Inc()
		return
	}

	class := Classify(err)
	graphOperationsTotal.WithLabelValues(operation, "error").Inc()
	graphErrorsTotal.WithLabelValues(string(class)).Inc()
	c.logger.Debug().
		Err(err).
		Str("operation", operation).
		Str("class", string(class)).
		Msg("Graph operation failed")
}

// Close releases client resources. The Redis client is owned by the caller
// and stays open.
func (c *Client) Close() error {
	return nil
}
