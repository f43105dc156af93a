package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/client"
	"github.com/Sternrassler/graph-batch-client/pkg/logging"
	"github.com/Sternrassler/graph-batch-client/pkg/metrics"
	"github.com/Sternrassler/graph-batch-client/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
)

// proxyConfig is read from the environment.
type proxyConfig struct {
	BaseURL   string
	Version   string
	RedisURL  string
	Port      string
	UserAgent string
	Token     string
	RPS       float64
}

// newViper returns the proxy settings source: defaults, then the environment.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("GRAPH_BASE_URL", client.DefaultBaseURL)
	v.SetDefault("GRAPH_VERSION", client.DefaultVersion)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("PORT", "8080")
	v.SetDefault("USER_AGENT", "graph-batch-client/0.1.0")
	v.SetDefault("GRAPH_TOKEN", "")
	v.SetDefault("GRAPH_RPS", "0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", "false")
	v.AutomaticEnv()
	return v
}

func loadConfig(v *viper.Viper) (proxyConfig, error) {
	cfg := proxyConfig{
		BaseURL:   v.GetString("GRAPH_BASE_URL"),
		Version:   v.GetString("GRAPH_VERSION"),
		RedisURL:  v.GetString("REDIS_URL"),
		Port:      v.GetString("PORT"),
		UserAgent: v.GetString("USER_AGENT"),
		Token:     v.GetString("GRAPH_TOKEN"),
	}

	rps, err := strconv.ParseFloat(v.GetString("GRAPH_RPS"), 64)
	if err != nil {
		return proxyConfig{}, fmt.Errorf("parse GRAPH_RPS: %w", err)
	}
	cfg.RPS = rps

	return cfg, nil
}

func main() {
	v := newViper()
	// Optional settings file (.env, yaml, json); the environment still wins.
	if path := os.Getenv("GRAPH_PROXY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", path, err)
			os.Exit(1)
		}
	}

	logging.Setup(logging.ConfigFromEnv(v.GetString))
	logger := logging.NewLogger("graph-proxy")

	cfg, err := loadConfig(v)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Redis is optional: without it there is no page cache or shared throttle window.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", cfg.RedisURL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("redis", cfg.RedisURL).Msg("Connected to Redis")
	}

	trCfg := transport.DefaultConfig(cfg.UserAgent)
	trCfg.RequestsPerSecond = cfg.RPS
	if cfg.Token != "" {
		trCfg.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	}
	tr, err := transport.NewHTTP(trCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create transport")
	}

	clientCfg := client.DefaultConfig(tr)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.DefaultVersion = cfg.Version
	clientCfg.Redis = redisClient

	graphClient, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Graph client")
	}
	defer graphClient.Close()

	addr := ":" + cfg.Port
	logger.Info().
		Str("addr", addr).
		Str("base_url", cfg.BaseURL).
		Str("version", cfg.Version).
		Str("user_agent", cfg.UserAgent).
		Msg("Starting Graph proxy server")

	if err := http.ListenAndServe(addr, newMux(graphClient, redisClient, logger)); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func newMux(graphClient *client.Client, redisClient *redis.Client, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(redisClient))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.HandleFunc("/graph/*", graphProxyHandler(graphClient, logger))
	r.Post("/batch/{version}", batchHandler(graphClient, logger))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// graphProxyHandler forwards /graph/{path} to {path} under the default version.
// Example: GET /graph/users?$top=5 -> GET {base}/v1.0/users?$top=5
func graphProxyHandler(graphClient *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/graph")
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		var body json.RawMessage
		if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}
			if len(data) > 0 {
				body = data
			}
		}

		var data json.RawMessage
		var err error
		switch r.Method {
		case http.MethodGet:
			data, err = graphClient.Get(ctx, path)
		case http.MethodDelete:
			data, err = graphClient.Delete(ctx, path)
		case http.MethodPost:
			data, err = graphClient.Post(ctx, path, optionalBody(body))
		case http.MethodPut:
			data, err = graphClient.Put(ctx, path, optionalBody(body))
		case http.MethodPatch:
			data, err = graphClient.Patch(ctx, path, optionalBody(body))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err != nil {
			writeError(w, logger, err)
			return
		}

		if data == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// optionalBody keeps a missing body nil instead of an empty json.RawMessage.
func optionalBody(body json.RawMessage) any {
	if body == nil {
		return nil
	}
	return body
}

type batchRequestPayload struct {
	Requests []struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Body    json.RawMessage   `json:"body,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	} `json:"requests"`
}

type batchRecord struct {
	URL     string            `json:"url"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// batchHandler runs POST /batch/{version} through the batch engine. Unlike a raw
// $batch call the request may hold any number of sub-requests and the response
// is keyed by URL.
func batchHandler(graphClient *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := chi.URLParam(r, "version")

		var payload batchRequestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, fmt.Sprintf("decode batch payload: %v", err), http.StatusBadRequest)
			return
		}

		requests := make([]batch.Request, len(payload.Requests))
		for i, req := range payload.Requests {
			requests[i] = batch.Request{
				Method:  req.Method,
				URL:     req.URL,
				Headers: req.Headers,
			}
			if len(req.Body) > 0 {
				requests[i].Body = req.Body
			}
		}

		records, err := graphClient.Batch(r.Context(), version, requests)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		out := make([]batchRecord, len(records))
		for i, rec := range records {
			out[i] = batchRecord{
				URL:     rec.URL,
				Status:  rec.Status,
				Headers: rec.Headers,
				Body:    rec.Body,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"responses": out})
	}
}

// writeError passes Graph status errors through and maps everything else to 502.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	class := client.Classify(err)
	logger.Warn().Err(err).Str("class", string(class)).Msg("Graph request failed")

	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode != 0 {
		if retryAfter := terr.Header.Get("Retry-After"); retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(terr.StatusCode)
		w.Write(terr.Body)
		return
	}

	status := http.StatusBadGateway
	switch class {
	case client.ErrorClassInvalid:
		status = http.StatusBadRequest
	case client.ErrorClassCancelled:
		status = http.StatusGatewayTimeout
	}
	http.Error(w, fmt.Sprintf("Graph request failed: %v", err), status)
}
