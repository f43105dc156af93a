package ratelimit

import (
	"testing"
	"time"
)

func TestThrottleState_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    *ThrottleState
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &ThrottleState{LastUpdate: now},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &ThrottleState{LastUpdate: now.Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			state:    &ThrottleState{LastUpdate: now.Add(-4 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "never updated",
			state:    &ThrottleState{},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(now, tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestThrottleState_Window(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		until             time.Time
		expectedThrottled bool
		expectedRemaining time.Duration
	}{
		{
			name:              "no window recorded",
			until:             time.Time{},
			expectedThrottled: false,
			expectedRemaining: 0,
		},
		{
			name:              "open window",
			until:             now.Add(3 * time.Second),
			expectedThrottled: true,
			expectedRemaining: 3 * time.Second,
		},
		{
			name:              "closed window",
			until:             now.Add(-time.Second),
			expectedThrottled: false,
			expectedRemaining: 0,
		},
		{
			name:              "window ends now",
			until:             now,
			expectedThrottled: false,
			expectedRemaining: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &ThrottleState{Until: tt.until}

			if got := state.IsThrottled(now); got != tt.expectedThrottled {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.expectedThrottled)
			}
			if got := state.Remaining(now); got != tt.expectedRemaining {
				t.Errorf("Remaining() = %v, want %v", got, tt.expectedRemaining)
			}
		})
	}
}

func TestClampCooldown(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected time.Duration
	}{
		{in: -time.Second, expected: 0},
		{in: 0, expected: 0},
		{in: 3 * time.Second, expected: 3 * time.Second},
		{in: time.Hour, expected: MaxCooldown},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			if got := clampCooldown(tt.in); got != tt.expected {
				t.Errorf("clampCooldown(%v) = %v, want %v", tt.in, got, tt.expected)
			}
		})
	}
}
