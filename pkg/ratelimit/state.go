// Package ratelimit tracks Graph throttling windows in Redis so that every
// client instance sharing the same Redis backs off together after a 429.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyThrottleUntil = "graph:throttle:until_ms"
	RedisKeyThrottleCount = "graph:throttle:count"
	RedisKeyLastUpdate    = "graph:throttle:last_update"
)

// MaxCooldown caps a single recorded cooldown. Retry-After values beyond it are
// clamped so one bad header cannot stall every client indefinitely.
const MaxCooldown = 5 * time.Minute

// ThrottleState represents the shared Graph throttle window.
type ThrottleState struct {
	// Until is when the current throttle window ends. Zero when no window was recorded.
	Until time.Time `json:"until"`

	// ThrottleCount is the number of throttle windows recorded so far.
	ThrottleCount int64 `json:"throttle_count"`

	// LastUpdate is when the window was last extended.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state was last updated more than maxAge before now.
// A state that was never updated is stale.
func (s *ThrottleState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// IsThrottled returns true while the throttle window is open at now.
func (s *ThrottleState) IsThrottled(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns how long the window stays open after now.
// Returns 0 if the window has already closed.
func (s *ThrottleState) Remaining(now time.Time) time.Duration {
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func clampCooldown(wait time.Duration) time.Duration {
	if wait > MaxCooldown {
		return MaxCooldown
	}
	if wait < 0 {
		return 0
	}
	return wait
}
