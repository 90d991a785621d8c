package client

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/avela-client/pkg/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts caps attempts that failed with a server or network error
	// (including the initial request).
	MaxAttempts int

	// InitialBackoff is the first backoff delay.
	InitialBackoff time.Duration

	// MaxBackoff caps a single backoff delay.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter randomizes delays by ±Jitter (0.2 = 20%). Zero keeps the
	// schedule exact.
	Jitter float64

	// MaxElapsed caps the total time spent on one request.
	MaxElapsed time.Duration

	// MaxRateLimitWaits caps 429 responses per request. They do not count
	// against MaxAttempts.
	MaxRateLimitWaits int

	// DefaultRetryAfter applies to a 429 without a usable Retry-After.
	DefaultRetryAfter time.Duration
}

// DefaultRetryConfig returns the default retry configuration: 2s, 4s, 8s,
// 16s between five attempts, at most 5 minutes per request.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        32 * time.Second,
		BackoffMultiplier: 2.0,
		MaxElapsed:        5 * time.Minute,
		MaxRateLimitWaits: 10,
		DefaultRetryAfter: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = d.MaxRateLimitWaits
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	return c
}

// newBackOff builds the exponential schedule for one logical request.
// Elapsed time is measured on clk so tests never wait.
func newBackOff(cfg RetryConfig, clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = cfg.MaxElapsed
	b.RandomizationFactor = cfg.Jitter
	b.Clock = clk
	b.Reset()
	return b
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return fallback
}
