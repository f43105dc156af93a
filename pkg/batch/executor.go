// Package batch implements Graph $batch orchestration: chunking sub-requests
// into groups of 20, dispatching each group as one composite request, and
// resubmitting throttled (429) sub-requests until every request has settled.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the batch executor configuration.
type Config struct {
	// BaseURL is the Graph host, e.g. "https://graph.microsoft.com".
	BaseURL string

	// ChunkSize is the number of sub-requests per $batch call (1..MaxChunkSize).
	ChunkSize int

	// ThrottlePenalty is the per-request wait used when 429 responses carry no Retry-After.
	ThrottlePenalty time.Duration

	// MaxThrottleRetries bounds resubmission rounds per chunk (0 = until none is throttled).
	MaxThrottleRetries int

	// PreserveOrder re-sorts records into input order instead of resolution order.
	PreserveOrder bool

	// Cooldown, when set, shares throttle windows with other callers.
	Cooldown Cooldown

	// Sleep overrides the wait between retries (for tests).
	Sleep SleepFunc

	// Now overrides the clock used to evaluate HTTP-date Retry-After values.
	Now func() time.Time
}

// DefaultConfig returns the configuration matching Graph's documented limits.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		ChunkSize:       MaxChunkSize,
		ThrottlePenalty: DefaultThrottlePenalty,
	}
}

// Executor runs batch calls. It holds no per-call state and is safe for concurrent use.
type Executor struct {
	engine        *Engine
	chunkSize     int
	preserveOrder bool
	logger        zerolog.Logger
}

// New creates a batch executor on top of t.
func New(t transport.Transport, cfg Config) (*Executor, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.ChunkSize < 0 || cfg.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk_size must be between 1 and %d (got %d)", MaxChunkSize, cfg.ChunkSize)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.ThrottlePenalty <= 0 {
		cfg.ThrottlePenalty = DefaultThrottlePenalty
	}
	if cfg.MaxThrottleRetries < 0 {
		return nil, fmt.Errorf("max_throttle_retries must be >= 0 (got %d)", cfg.MaxThrottleRetries)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := log.With().Str("component", "graph-batch").Logger()

	return &Executor{
		engine: &Engine{
			dispatcher: NewDispatcher(t, cfg.BaseURL, logger),
			penalty:    cfg.ThrottlePenalty,
			maxRetries: cfg.MaxThrottleRetries,
			cooldown:   cfg.Cooldown,
			sleep:      cfg.Sleep,
			now:        cfg.Now,
			logger:     logger,
		},
		chunkSize:     cfg.ChunkSize,
		preserveOrder: cfg.PreserveOrder,
		logger:        logger,
	}, nil
}

// Execute sends requests through the $batch endpoint of version ("v1.0", "beta")
// and returns one record per request. Chunks are dispatched sequentially.
//
// Records follow chunk order and, within a chunk, resolution order unless
// PreserveOrder is set. On failure the records of chunks completed before the
// failing one are returned along with the error.
func (x *Executor) Execute(ctx context.Context, version string, requests []Request) ([]ResponseRecord, error) {
	subs, err := NewSubRequests(requests)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	chunks := Split(subs, x.chunkSize)
	mapped := make([]mappedRecord, 0, len(subs))

	for i, chunk := range chunks {
		responses, err := x.engine.Resolve(ctx, version, chunk)
		if err != nil {
			x.logger.Error().
				Err(err).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Msg("Batch aborted")
			return records(mapped), fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}

		chunkRecords, err := mapResponses(chunk, responses)
		if err != nil {
			return records(mapped), fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		mapped = append(mapped, chunkRecords...)
	}

	if x.preserveOrder {
		sortByPosition(mapped)
	}

	x.logger.Info().
		Str("version", version).
		Int("requests", len(subs)).
		Int("chunks", len(chunks)).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return records(mapped), nil
}

func records(mapped []mappedRecord) []ResponseRecord {
	out := make([]ResponseRecord, len(mapped))
	for i, m := range mapped {
		out[i] = m.record
	}
	return out
}
