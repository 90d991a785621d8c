// Package ratelimit paces outgoing Avela API requests so the per-IP quota
// (100 requests per 5 minutes, enforced upstream by a WAF) is never reached,
// and honours Retry-After when the server rejects a request anyway.
package ratelimit

import (
	"time"
)

// Quota defaults.
const (
	DefaultRequests     = 100
	DefaultWindow       = 300 * time.Second
	DefaultSafetyBuffer = 0.10
)

// State is the request accounting of one Limiter for the current window.
type State struct {
	// WindowStart is when the current fixed window began.
	WindowStart time.Time `json:"window_start"`

	// RequestCount is the number of requests released in the window.
	RequestCount int `json:"request_count"`

	// WindowCapacity is the quota per window.
	WindowCapacity int `json:"window_capacity"`

	// WindowDuration is the window length.
	WindowDuration time.Duration `json:"window_duration"`

	// BlockedUntil is the end of the current Retry-After block, if any.
	BlockedUntil time.Time `json:"blocked_until"`
}

// record counts a request released at t, starting a new window when the
// previous one has elapsed.
func (s *State) record(t time.Time) {
	if s.WindowStart.IsZero() || !t.Before(s.WindowStart.Add(s.WindowDuration)) {
		s.WindowStart = t
		s.RequestCount = 0
	}
	s.RequestCount++
}

// Remaining returns the requests left in the current window.
func (s *State) Remaining() int {
	remaining := s.WindowCapacity - s.RequestCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsBlocked reports whether a Retry-After block is active at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining Retry-After block at now.
func (s *State) TimeUntilUnblocked(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Interval returns the minimum spacing between requests for a quota of
// requests per window, widened by buffer (0.10 = 10%).
// A non-positive request count disables pacing.
func Interval(requests int, window time.Duration, buffer float64) time.Duration {
	if requests <= 0 || window <= 0 {
		return 0
	}
	if buffer < 0 {
		buffer = 0
	}
	return time.Duration(float64(window) / float64(requests) * (1 + buffer))
}
