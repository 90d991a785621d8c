// Package metrics exposes the Prometheus metrics of the avela client.
// The metrics themselves are defined in their packages (auth, ratelimit,
// client, batch) with promauto on the default Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics
//
// Token (pkg/auth):
//   - avela_token_exchanges_total{result} (Counter): client-credentials exchanges by result
//
// Rate limit (pkg/ratelimit):
//   - avela_rate_limit_wait_seconds (Histogram): time spent waiting for a pacing slot
//   - avela_rate_limit_blocks_total (Counter): Retry-After blocks applied after a 429
//   - avela_rate_limit_window_requests (Gauge): requests released in the current window
//
// Requests (pkg/client):
//   - avela_requests_total{method, status} (Counter): attempts by method and HTTP status
//   - avela_request_duration_seconds{method} (Histogram): attempt duration
//   - avela_retries_total{error_class} (Counter): retries by error class
//   - avela_retry_backoff_seconds{error_class} (Histogram): backoff waits
//   - avela_retry_exhausted_total{error_class} (Counter): requests that gave up
//
// Batch (pkg/batch):
//   - avela_batch_chunks_total{result} (Counter): submitted chunks by result
//   - avela_batch_groups_total{outcome} (Counter): tag groups by outcome
//
// Example queries:
//
//   # Seconds per minute spent waiting on the quota
//   rate(avela_rate_limit_wait_seconds_sum[5m]) * 60
//
//   # Server error share
//   sum(rate(avela_requests_total{status=~"5.."}[5m])) / sum(rate(avela_requests_total[5m]))
//
//   # Partial or failed groups
//   sum by (outcome) (avela_batch_groups_total{outcome!="applied"})
