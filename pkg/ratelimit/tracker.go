package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for shared throttle tracking.
var (
	graphThrottleCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graph_throttle_cooldown_seconds",
		Help: "Length of the most recently recorded shared throttle window",
	})

	graphThrottleWindowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttle_windows_total",
		Help: "Total number of shared throttle windows recorded",
	})

	graphThrottleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttle_cooldown_waits_total",
		Help: "Total number of dispatches delayed by a shared throttle window",
	})
)

// extendWindow only moves the window end forward, so concurrent writers
// converge on the latest deadline. The key expires with the window.
var extendWindow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local until_ms = tonumber(ARGV[1])
if until_ms > current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
redis.call('SET', KEYS[3], ARGV[3])
return redis.call('INCR', KEYS[2])
`)

// Tracker stores Graph throttle windows in Redis.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new throttle tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// GetState retrieves the current throttle state from Redis.
// Returns an open (zero) state if no window was recorded.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	untilMs, err := t.redis.Get(ctx, RedisKeyThrottleUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get throttle window: %w", err)
	}

	count, err := t.redis.Get(ctx, RedisKeyThrottleCount).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get throttle count: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &ThrottleState{ThrottleCount: count}
	if untilMs > 0 {
		state.Until = time.UnixMilli(untilMs)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// Remaining returns how long callers should wait before dispatching to Graph.
func (t *Tracker) Remaining(ctx context.Context) (time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return 0, err
	}

	now := t.now()
	// Every window ends within MaxCooldown of its last update.
	if state.IsStale(now, MaxCooldown) {
		return 0, nil
	}

	remaining := state.Remaining(now)
	if remaining > 0 {
		graphThrottleWaitsTotal.Inc()
		t.logger.Debug().
			Dur("remaining", remaining).
			Time("until", state.Until).
			Msg("Shared throttle window open")
	}
	return remaining, nil
}

// Record opens (or extends) the shared throttle window to now+wait.
func (t *Tracker) Record(ctx context.Context, wait time.Duration) error {
	wait = clampCooldown(wait)
	if wait == 0 {
		return nil
	}

	now := t.now()
	until := now.Add(wait)

	lastUpdateJSON, err := json.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	ttlMs := wait.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	count, err := extendWindow.Run(ctx, t.redis,
		[]string{RedisKeyThrottleUntil, RedisKeyThrottleCount, RedisKeyLastUpdate},
		until.UnixMilli(), ttlMs, string(lastUpdateJSON),
	).Int64()
	if err != nil {
		return fmt.Errorf("store throttle window in redis: %w", err)
	}

	graphThrottleWindowsTotal.Inc()
	graphThrottleCooldownSeconds.Set(wait.Seconds())

	t.logger.Warn().
		Dur("wait", wait).
		Time("until", until).
		Int64("throttle_count", count).
		Msg("Graph throttle window recorded")

	return nil
}

// UpdateFromHeaders records a throttle window from the Retry-After header of a
// plain (non-batch) 429 response. Missing headers are not an error.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	value := headers.Get("Retry-After")
	if value == "" {
		return nil
	}

	wait, ok := batch.ParseRetryAfter(value, t.now())
	if !ok {
		return fmt.Errorf("parse Retry-After header %q", value)
	}
	return t.Record(ctx, wait)
}
