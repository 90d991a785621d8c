// Package client provides the Avela REST API executor: one logical request
// per call, paced by the rate limiter, authenticated by the token manager and
// retried on transient failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/avela-client/pkg/auth"
	"github.com/Sternrassler/avela-client/pkg/clock"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/Sternrassler/avela-client/pkg/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API requests.
var (
	avelaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avela_requests_total",
		Help: "Total Avela API attempts by method and status",
	}, []string{"method", "status"})

	avelaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avela_request_duration_seconds",
		Help:    "Avela API attempt duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	avelaRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avela_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	avelaRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avela_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 60},
	}, []string{"error_class"})

	avelaRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avela_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// DefaultUserAgent identifies the client to the API.
const DefaultUserAgent = "avela-client/1.0"

// TokenSource supplies bearer tokens. *auth.Manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Request is one logical API call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is JSON-encoded once and resent on every attempt.
	Body any
}

// Response is a successful (2xx) API response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://prod.execute-api.apply.avela.org/api/rest/v2.
	BaseURL string

	// Tokens supplies bearer tokens (required).
	Tokens TokenSource

	// Limiter paces every attempt (default: Avela quota, in-memory).
	Limiter *ratelimit.Limiter

	// HTTPClient performs attempts (default: 60s timeout).
	HTTPClient *http.Client

	// UserAgent header (default: DefaultUserAgent).
	UserAgent string

	Retry  RetryConfig
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Client is the Avela API executor.
type Client struct {
	baseURL    string
	tokens     TokenSource
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	userAgent  string
	retry      RetryConfig
	clock      clock.Clock
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Limiter == nil {
		lcfg := ratelimit.DefaultConfig()
		lcfg.Clock = cfg.Clock
		lcfg.Logger = cfg.Logger
		cfg.Limiter = ratelimit.NewLimiter(lcfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		limiter:    cfg.Limiter,
		httpClient: cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		retry:      cfg.Retry.withDefaults(),
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str(logging.FieldComponent, "avela-client").Logger(),
	}, nil
}

// Limiter returns the rate limiter shared by all attempts.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// attemptState tracks the budgets of one logical request.
type attemptState struct {
	attempts       int
	failures       int
	rateLimitWaits int
	refreshed      bool
	lastStatus     int
	lastBody       []byte
	lastErr        error
	lastClass      ErrorClass
}

// Execute performs one logical request. Every attempt acquires a rate limit
// slot and a bearer token first.
//
// It returns the response for 2xx (including 207), *APIError for other 4xx,
// *auth.AuthenticationError when credentials are rejected or a 401 survives
// one token refresh, and *RequestFailedError when the retry budget is spent.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	st := &attemptState{}
	bo := newBackOff(c.retry, c.clock)
	start := c.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		st.attempts++
		resp, class, err := c.attempt(ctx, req, body, st)
		if err == nil && class == "" {
			if st.attempts > 1 {
				c.logger.Info().
					Str(logging.FieldMethod, req.Method).
					Str(logging.FieldPath, req.Path).
					Int(logging.FieldAttempt, st.attempts).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}
		if class == "" {
			// Terminal: cancellation, auth rejection, non-retryable 4xx.
			return nil, err
		}

		st.lastClass = class
		switch class {
		case ErrorClassAuth:
			if st.refreshed {
				return nil, &auth.AuthenticationError{
					StatusCode: http.StatusUnauthorized,
					Message:    "request rejected after token refresh",
				}
			}
			st.refreshed = true
			c.tokens.Invalidate()
			c.logger.Warn().
				Str(logging.FieldMethod, req.Method).
				Str(logging.FieldPath, req.Path).
				Msg("Unauthorized, refreshing token")
			continue

		case ErrorClassRateLimit:
			st.rateLimitWaits++
			if st.rateLimitWaits > c.retry.MaxRateLimitWaits {
				return nil, c.exhausted(req, st)
			}
			now := c.clock.Now()
			wait := retryAfter(resp.Header, now, c.retry.DefaultRetryAfter)
			if c.retry.MaxElapsed > 0 && now.Sub(start)+wait > c.retry.MaxElapsed {
				return nil, c.exhausted(req, st)
			}
			avelaRetriesTotal.WithLabelValues(string(class)).Inc()
			if err := c.limiter.BlockFor(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if !shouldRetry(class) {
			return nil, err
		}

		st.failures++
		if st.failures >= c.retry.MaxAttempts {
			return nil, c.exhausted(req, st)
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, c.exhausted(req, st)
		}

		avelaRetriesTotal.WithLabelValues(string(class)).Inc()
		avelaRetryBackoffSeconds.WithLabelValues(string(class)).Observe(next.Seconds())
		c.logger.Debug().
			Str(logging.FieldMethod, req.Method).
			Str(logging.FieldPath, req.Path).
			Str(logging.FieldErrorClass, string(class)).
			Int(logging.FieldAttempt, st.attempts).
			Dur("backoff", next).
			Msg("Retrying request after backoff")

		if err := c.clock.Sleep(ctx, next); err != nil {
			c.logger.Warn().
				Str(logging.FieldErrorClass, string(class)).
				Int(logging.FieldAttempt, st.attempts).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

// attempt performs one physical attempt. A non-empty class marks a failure
// the retry loop handles; an error with an empty class is terminal.
// For 429 the returned response carries only the headers.
func (c *Client) attempt(ctx context.Context, req *Request, body []byte, st *attemptState) (*Response, ErrorClass, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		return nil, "", err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if auth.IsAuthenticationError(err) {
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		st.lastErr = err
		st.lastStatus = 0
		st.lastBody = nil
		return nil, ErrorClassNetwork, err
	}

	httpReq, err := c.newHTTPRequest(ctx, req, body, token)
	if err != nil {
		return nil, "", err
	}

	start := c.clock.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	avelaRequestDuration.WithLabelValues(req.Method).Observe(c.clock.Now().Sub(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}
		avelaRequestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		c.logger.Error().Err(err).
			Str(logging.FieldMethod, req.Method).
			Str(logging.FieldPath, req.Path).
			Msg("HTTP request failed")
		st.lastErr = err
		st.lastStatus = 0
		st.lastBody = nil
		return nil, ErrorClassNetwork, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		avelaRequestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		st.lastErr = fmt.Errorf("read response body: %w", err)
		st.lastStatus = httpResp.StatusCode
		st.lastBody = nil
		return nil, ErrorClassNetwork, st.lastErr
	}

	status := httpResp.StatusCode
	avelaRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()

	resp := &Response{
		StatusCode: status,
		Header:     httpResp.Header,
		Body:       respBody,
	}
	if status >= 200 && status < 300 {
		return resp, "", nil
	}

	class := classifyStatus(status)
	st.lastStatus = status
	st.lastBody = respBody
	st.lastErr = fmt.Errorf("status %d", status)

	c.logger.Warn().
		Str(logging.FieldMethod, req.Method).
		Str(logging.FieldPath, req.Path).
		Int(logging.FieldStatus, status).
		Str(logging.FieldErrorClass, string(class)).
		Msg("Avela request error")

	if class == ErrorClassClient {
		return nil, "", &APIError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: status,
			Body:       respBody,
		}
	}
	return resp, class, st.lastErr
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, body []byte, token string) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (c *Client) exhausted(req *Request, st *attemptState) error {
	avelaRetryExhaustedTotal.WithLabelValues(string(st.lastClass)).Inc()
	c.logger.Warn().
		Str(logging.FieldMethod, req.Method).
		Str(logging.FieldPath, req.Path).
		Str(logging.FieldErrorClass, string(st.lastClass)).
		Int("attempts", st.attempts).
		Msg("Retry attempts exhausted")

	return &RequestFailedError{
		Method:     req.Method,
		Path:       req.Path,
		Attempts:   st.attempts,
		LastStatus: st.lastStatus,
		LastBody:   st.lastBody,
		ErrorClass: st.lastClass,
		Err:        st.lastErr,
	}
}

// Authenticate obtains a token with the same retry policy as requests:
// transient exchange failures back off, rejected credentials return
// *auth.AuthenticationError immediately.
func (c *Client) Authenticate(ctx context.Context) error {
	bo := newBackOff(c.retry, c.clock)
	for attempt := 1; ; attempt++ {
		_, err := c.tokens.Token(ctx)
		if err == nil {
			return nil
		}
		if auth.IsAuthenticationError(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
		}

		next := bo.NextBackOff()
		if attempt >= c.retry.MaxAttempts || next == backoff.Stop {
			avelaRetryExhaustedTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &RequestFailedError{
				Method:     http.MethodPost,
				Path:       "oauth/token",
				Attempts:   attempt,
				ErrorClass: ErrorClassNetwork,
				Err:        err,
			}
		}

		avelaRetriesTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.logger.Warn().Err(err).
			Int(logging.FieldAttempt, attempt).
			Dur("backoff", next).
			Msg("Token exchange failed, retrying")
		if err := c.clock.Sleep(ctx, next); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// GetJSON performs a GET request and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Delete performs a DELETE request with an optional JSON body.
func (c *Client) Delete(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodDelete, Path: path, Body: body})
}

// IsNotFound reports whether err is a 404 *APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
