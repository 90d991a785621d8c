package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/avela-client/pkg/clock"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var tokenExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "avela_token_exchanges_total",
	Help: "Total OAuth2 client-credentials exchanges by result",
}, []string{"result"})

const (
	// DefaultSafetyMargin is how long before expiry a token is refreshed.
	DefaultSafetyMargin = time.Hour

	// DefaultTokenLifetime applies when the server omits expires_in.
	DefaultTokenLifetime = 24 * time.Hour
)

// Token is a bearer token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// usable reports whether the token may be handed out at now.
func (t *Token) usable(now time.Time, margin time.Duration) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// Config configures a Manager.
type Config struct {
	Credentials Credentials

	// Endpoints overrides the URLs derived from Credentials.Environment.
	// Empty fields fall back to the environment defaults.
	Endpoints Endpoints

	// SafetyMargin is the refresh lead time (default 1h).
	SafetyMargin time.Duration

	// HTTPClient performs the exchange (default: 30s timeout).
	HTTPClient *http.Client

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Manager hands out bearer tokens and refreshes them before they expire.
// It is safe for concurrent use; at most one exchange runs at a time.
type Manager struct {
	creds      Credentials
	endpoints  Endpoints
	margin     time.Duration
	httpClient *http.Client
	clock      clock.Clock
	logger     zerolog.Logger

	mu    sync.Mutex
	token *Token
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Credentials.ClientID == "" || cfg.Credentials.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}

	endpoints := cfg.Endpoints
	if endpoints.TokenURL == "" || endpoints.BaseURL == "" || endpoints.Audience == "" {
		defaults, err := EndpointsFor(cfg.Credentials.Environment)
		if err != nil {
			return nil, fmt.Errorf("resolve endpoints: %w", err)
		}
		endpoints = endpoints.Merge(defaults)
	}

	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Manager{
		creds:      cfg.Credentials,
		endpoints:  endpoints,
		margin:     cfg.SafetyMargin,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str(logging.FieldComponent, "auth").Logger(),
	}, nil
}

// Endpoints returns the resolved endpoints.
func (m *Manager) Endpoints() Endpoints {
	return m.endpoints
}

// Token returns a valid bearer token, exchanging credentials when no token is
// cached or the cached one is inside the safety margin.
//
// Errors are either *AuthenticationError (do not retry) or transient
// failures of the exchange itself (network, 429, 5xx).
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.usable(m.clock.Now(), m.margin) {
		return m.token.Value, nil
	}

	tok, err := m.exchange(ctx)
	if err != nil {
		return "", err
	}
	m.token = tok

	return tok.Value, nil
}

// Invalidate discards the cached token so the next Token call exchanges.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}

// Current returns a copy of the cached token, or nil.
func (m *Manager) Current() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil
	}
	t := *m.token
	return &t
}

func (m *Manager) exchange(ctx context.Context) (*Token, error) {
	m.logger.Debug().
		Str("environment", m.creds.Environment).
		Str("token_url", m.endpoints.TokenURL).
		Msg("Exchanging client credentials")

	transport := &recordingTransport{base: m.httpClient.Transport}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   m.httpClient.Timeout,
	}

	cc := clientcredentials.Config{
		ClientID:       m.creds.ClientID,
		ClientSecret:   m.creds.ClientSecret,
		TokenURL:       m.endpoints.TokenURL,
		EndpointParams: url.Values{"audience": {m.endpoints.Audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, httpClient))
	if err != nil {
		err = m.classify(ctx, err, transport.err)
		if IsAuthenticationError(err) {
			tokenExchangesTotal.WithLabelValues("rejected").Inc()
		} else {
			tokenExchangesTotal.WithLabelValues("transient_error").Inc()
		}
		m.logger.Warn().Err(err).Msg("Token exchange failed")
		return nil, err
	}

	lifetime := DefaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}

	token := &Token{
		Value:     tok.AccessToken,
		ExpiresAt: m.clock.Now().Add(lifetime),
	}
	tokenExchangesTotal.WithLabelValues("success").Inc()

	m.logger.Info().
		Str("environment", m.creds.Environment).
		Time("expires_at", token.ExpiresAt).
		Msg("Authenticated")

	return token, nil
}

// classify splits exchange failures into fatal authentication errors and
// transient ones the executor may retry.
func (m *Manager) classify(ctx context.Context, err, transportErr error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if transportErr != nil {
		return fmt.Errorf("token exchange transport: %w", transportErr)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusTooManyRequests || status >= 500 {
			return fmt.Errorf("token exchange: status %d: %w", status, err)
		}
		return &AuthenticationError{
			Environment: m.creds.Environment,
			StatusCode:  status,
			Message:     retrieveErr.ErrorDescription,
			Err:         err,
		}
	}

	return &AuthenticationError{
		Environment: m.creds.Environment,
		Message:     "invalid token response",
		Err:         err,
	}
}

// recordingTransport remembers the last transport-level error so network
// failures can be told apart from rejected credentials.
type recordingTransport struct {
	base http.RoundTripper
	err  error
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		t.err = err
	}
	return resp, err
}
