package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/avela-client/pkg/clock"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avela_rate_limit_wait_seconds",
		Help:    "Time requests waited for a pacing slot",
		Buckets: []float64{0, 0.5, 1, 2, 3.5, 5, 10, 30, 60},
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avela_rate_limit_blocks_total",
		Help: "Total number of Retry-After blocks applied after a 429",
	})

	rateLimitWindowRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avela_rate_limit_window_requests",
		Help: "Requests released in the current rate limit window",
	})
)

// Config holds limiter configuration.
type Config struct {
	// Requests is the quota per window. Zero or less disables pacing.
	Requests int

	// Window is the quota window.
	Window time.Duration

	// SafetyBuffer widens the interval (0.10 = 10%).
	SafetyBuffer float64

	// Store holds the slot schedule (default: in-memory).
	Store Store

	Clock  clock.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns the Avela quota: 100 requests per 300s with a 10%
// buffer, i.e. one request every 3.3s.
func DefaultConfig() Config {
	return Config{
		Requests:     DefaultRequests,
		Window:       DefaultWindow,
		SafetyBuffer: DefaultSafetyBuffer,
	}
}

// Limiter paces requests at a fixed minimum interval and applies server
// Retry-After blocks on top of that pacing.
//
// Slots are reserved in call order, so concurrent Acquire calls are released
// FIFO and never less than the interval apart.
type Limiter struct {
	interval time.Duration
	store    Store
	clock    clock.Clock
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewLimiter creates a limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Limiter{
		interval: Interval(cfg.Requests, cfg.Window, cfg.SafetyBuffer),
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With().Str(logging.FieldComponent, "rate-limiter").Logger(),
		state: State{
			WindowCapacity: cfg.Requests,
			WindowDuration: cfg.Window,
		},
	}
}

// Interval returns the minimum spacing between released requests.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until one more request may be sent, then records it.
// A slot reserved by a call that is cancelled while waiting is handed back.
func (l *Limiter) Acquire(ctx context.Context) error {
	now := l.clock.Now()

	l.mu.Lock()
	slot, err := l.store.Reserve(ctx, now, l.interval)
	state := l.state
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reserve rate limit slot: %w", err)
	}

	wait := slot.Sub(now)
	if wait > 0 {
		event := l.logger.Debug().
			Dur(logging.FieldWait, wait).
			Int("window_remaining", state.Remaining())
		if state.IsBlocked(now) {
			event = event.Dur("blocked_for", state.TimeUntilUnblocked(now))
		}
		event.Msg("Waiting for rate limit slot")

		if err := l.clock.Sleep(ctx, wait); err != nil {
			l.release(ctx, slot)
			return err
		}
	}
	rateLimitWaitSeconds.Observe(wait.Seconds())

	l.mu.Lock()
	l.state.record(slot)
	count := l.state.RequestCount
	l.mu.Unlock()

	rateLimitWindowRequests.Set(float64(count))
	return nil
}

func (l *Limiter) release(ctx context.Context, slot time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Release(context.WithoutCancel(ctx), slot, l.interval); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to release unused rate limit slot")
	}
}

// BlockFor delays every request not yet released by at least d from now.
// It is the reactive path for a 429 with a Retry-After value.
func (l *Limiter) BlockFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	until := l.clock.Now().Add(d)
	if err := l.store.Block(ctx, until); err != nil {
		return fmt.Errorf("apply rate limit block: %w", err)
	}

	// A shared store may already hold a later block from another process.
	if stored, err := l.store.BlockedUntil(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to read rate limit block")
	} else if stored.After(until) {
		until = stored
	}

	l.mu.Lock()
	if until.After(l.state.BlockedUntil) {
		l.state.BlockedUntil = until
	}
	l.mu.Unlock()

	rateLimitBlocksTotal.Inc()
	l.logger.Warn().
		Dur("retry_after", d).
		Time("blocked_until", until).
		Msg("Rate limited by server, blocking requests")

	return nil
}

// State returns a snapshot of the current window accounting.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
