package batch

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch dispatch and throttle handling.
var (
	batchDispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_batch_dispatches_total",
		Help: "Total number of composite $batch requests sent, retries included",
	})

	subRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_batch_subrequests_total",
		Help: "Total sub-responses received by status class",
	}, []string{"status_class"})

	throttledSubRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttled_subrequests_total",
		Help: "Total sub-requests resubmitted after a 429 response",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_throttle_wait_seconds",
		Help:    "Wait before resubmitting throttled sub-requests",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	throttleRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_throttle_retry_exhausted_total",
		Help: "Total number of chunks that hit the throttle retry ceiling",
	})
)

// DefaultThrottlePenalty is the per-request wait used when no throttled
// sub-response carries a Retry-After header.
const DefaultThrottlePenalty = 700 * time.Millisecond

// MaxRetryAfter caps a single Retry-After value.
const MaxRetryAfter = time.Hour

// Cooldown is a throttle window shared beyond a single batch call.
type Cooldown interface {
	// Remaining returns how long callers should wait before the next dispatch.
	Remaining(ctx context.Context) (time.Duration, error)

	// Record extends the shared window by wait from now.
	Record(ctx context.Context, wait time.Duration) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine resolves a chunk, resubmitting throttled sub-requests until none remain.
type Engine struct {
	dispatcher *Dispatcher
	penalty    time.Duration
	maxRetries int
	cooldown   Cooldown
	sleep      SleepFunc
	now        func() time.Time
	logger     zerolog.Logger
}

// Resolve dispatches chunk and returns one settled sub-response per request.
// Settled responses come first in dispatch order, followed by those resolved by
// later retry rounds.
func (e *Engine) Resolve(ctx context.Context, version string, chunk Chunk) ([]SubResponse, error) {
	pending := chunk.Requests
	settled := make([]SubResponse, 0, len(pending))

	for retries := 0; ; retries++ {
		if err := e.awaitCooldown(ctx); err != nil {
			return nil, err
		}

		responses, err := e.dispatcher.Dispatch(ctx, version, pending)
		if err != nil {
			return nil, err
		}
		if err := verifyCorrelation(pending, responses); err != nil {
			return nil, err
		}

		ok, throttled := Partition(responses)
		settled = append(settled, ok...)
		if len(throttled) == 0 {
			if retries > 0 {
				e.logger.Info().
					Int("retries", retries).
					Int("requests", len(chunk.Requests)).
					Msg("Chunk settled after throttling")
			}
			return settled, nil
		}

		if e.maxRetries > 0 && retries >= e.maxRetries {
			throttleRetryExhaustedTotal.Inc()
			e.logger.Warn().
				Int("max_retries", e.maxRetries).
				Int("throttled", len(throttled)).
				Msg("Throttle retries exhausted")
			return nil, fmt.Errorf("%w after %d retries: %d sub-requests still throttled",
				ErrRetryExhausted, retries, len(throttled))
		}

		wait := WaitDuration(throttled, e.penalty, e.now())
		throttledSubRequestsTotal.Add(float64(len(throttled)))
		throttleWaitSeconds.Observe(wait.Seconds())

		e.logger.Warn().
			Int("throttled", len(throttled)).
			Int("settled", len(ok)).
			Int("retry", retries+1).
			Dur("wait", wait).
			Msg("Sub-requests throttled, waiting before resubmitting")

		if e.cooldown != nil {
			if err := e.cooldown.Record(ctx, wait); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to record throttle cooldown")
			}
		}

		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}

		pending = RetrySubset(pending, throttled)
	}
}

// awaitCooldown honours a throttle window recorded by other callers.
func (e *Engine) awaitCooldown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}
	if e.cooldown == nil {
		return nil
	}

	remaining, err := e.cooldown.Remaining(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Throttle cooldown lookup failed")
		return nil
	}
	if remaining <= 0 {
		return nil
	}

	e.logger.Debug().Dur("wait", remaining).Msg("Waiting for shared throttle cooldown")
	return e.sleep(ctx, remaining)
}

// Partition splits responses into settled (any status but 429) and throttled.
func Partition(responses []SubResponse) (settled, throttled []SubResponse) {
	for _, resp := range responses {
		if resp.Status == http.StatusTooManyRequests {
			throttled = append(throttled, resp)
		} else {
			settled = append(settled, resp)
		}
	}
	return settled, throttled
}

// WaitDuration returns the largest Retry-After among throttled responses. When
// none carries the header it falls back to penalty per throttled response.
func WaitDuration(throttled []SubResponse, penalty time.Duration, now time.Time) time.Duration {
	var wait time.Duration
	found := false
	for _, resp := range throttled {
		if d, ok := RetryAfter(resp.Headers, now); ok {
			found = true
			if d > wait {
				wait = d
			}
		}
	}

	if !found {
		return penalty * time.Duration(len(throttled))
	}
	return wait
}

// RetryAfter parses the Retry-After header of a sub-response.
func RetryAfter(headers Headers, now time.Time) (time.Duration, bool) {
	value, ok := headers.Get("Retry-After")
	if !ok {
		return 0, false
	}
	return ParseRetryAfter(value, now)
}

// ParseRetryAfter parses a Retry-After value given either as seconds or as an
// HTTP date. Negative values and past dates yield 0; values beyond MaxRetryAfter
// are capped. NaN and infinities are rejected.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, false
		}
		if seconds <= 0 {
			return 0, true
		}
		if seconds >= MaxRetryAfter.Seconds() {
			return MaxRetryAfter, true
		}
		return time.Duration(seconds * float64(time.Second)), true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		switch {
		case d <= 0:
			return 0, true
		case d > MaxRetryAfter:
			return MaxRetryAfter, true
		}
		return d, true
	}

	return 0, false
}

// RetrySubset returns the pending requests answered by throttled, in pending order.
// Requests are returned unchanged so the resubmission is identical to the original.
func RetrySubset(pending []SubRequest, throttled []SubResponse) []SubRequest {
	ids := make(map[string]bool, len(throttled))
	for _, resp := range throttled {
		ids[resp.ID] = true
	}

	subset := make([]SubRequest, 0, len(throttled))
	for _, req := range pending {
		if ids[req.ID] {
			subset = append(subset, req)
		}
	}
	return subset
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
