package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/avela-client/internal/testutil"
	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T, mock *testutil.MockAvela, clk *testutil.FakeClock, secret string) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		Credentials: Credentials{
			ClientID:     testutil.MockClientID,
			ClientSecret: secret,
			Environment:  "test",
		},
		Endpoints: Endpoints{
			TokenURL: mock.TokenURL(),
			BaseURL:  mock.BaseURL(),
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestNewManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{
			name:    "valid",
			creds:   Credentials{ClientID: "id", ClientSecret: "secret", Environment: "prod"},
			wantErr: false,
		},
		{
			name:    "missing secret",
			creds:   Credentials{ClientID: "id", Environment: "prod"},
			wantErr: true,
		},
		{
			name:    "missing environment",
			creds:   Credentials{ClientID: "id", ClientSecret: "secret"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(Config{Credentials: tt.creds, Logger: zerolog.Nop()})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_TokenCached(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()

	clk := testutil.NewFakeClock()
	m := newTestManager(t, mock, clk, testutil.MockClientSecret)
	ctx := context.Background()

	first, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		clk.Advance(time.Hour)
		got, err := m.Token(ctx)
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if got != first {
			t.Fatalf("Token() = %q after %dh, want cached %q", got, i+1, first)
		}
	}

	if mock.TokenCount() != 1 {
		t.Errorf("exchanges = %d, want 1", mock.TokenCount())
	}
}

func TestManager_RefreshInsideSafetyMargin(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()

	clk := testutil.NewFakeClock()
	m := newTestManager(t, mock, clk, testutil.MockClientSecret)
	ctx := context.Background()

	first, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	// 24h token, 1h margin: 23h in, the token must no longer be handed out.
	clk.Advance(23 * time.Hour)

	second, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if second == first {
		t.Error("Token() returned the old token inside the safety margin")
	}
	if mock.TokenCount() != 2 {
		t.Errorf("exchanges = %d, want 2", mock.TokenCount())
	}

	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if mock.TokenCount() != 2 {
		t.Errorf("exchanges after refresh = %d, want 2", mock.TokenCount())
	}
}

// concurrentTokens calls Token from n goroutines at once and returns every
// value handed out.
func concurrentTokens(t *testing.T, m *Manager, n int) []string {
	t.Helper()

	tokens := make([]string, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Token() #%d error = %v", i, err)
		}
	}
	return tokens
}

func TestManager_ConcurrentCallersShareOneExchange(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()

	clk := testutil.NewFakeClock()
	m := newTestManager(t, mock, clk, testutil.MockClientSecret)
	const callers = 32

	// Empty cache.
	first := concurrentTokens(t, m, callers)
	if got := mock.TokenCount(); got != 1 {
		t.Errorf("exchanges on empty cache = %d, want 1", got)
	}
	for i, tok := range first {
		if tok != first[0] {
			t.Errorf("caller %d got %q, want %q", i, tok, first[0])
		}
	}

	// Expired cache: past the 24h lifetime minus the 1h margin.
	clk.Advance(23*time.Hour + time.Minute)
	second := concurrentTokens(t, m, callers)
	if got := mock.TokenCount(); got != 2 {
		t.Errorf("exchanges after expiry = %d, want 2", got)
	}
	if second[0] == first[0] {
		t.Errorf("token after expiry = %q, want a fresh one", second[0])
	}
	for i, tok := range second {
		if tok != second[0] {
			t.Errorf("caller %d got %q after expiry, want %q", i, tok, second[0])
		}
	}
}

func TestManager_DefaultLifetime(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()
	mock.ExpiresIn = 0

	clk := testutil.NewFakeClock()
	m := newTestManager(t, mock, clk, testutil.MockClientSecret)

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	tok := m.Current()
	if tok == nil {
		t.Fatal("Current() = nil after exchange")
	}
	if got := tok.ExpiresAt.Sub(clk.Now()); got != DefaultTokenLifetime {
		t.Errorf("lifetime = %v, want %v", got, DefaultTokenLifetime)
	}
}

func TestManager_Invalidate(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()

	m := newTestManager(t, mock, testutil.NewFakeClock(), testutil.MockClientSecret)
	ctx := context.Background()

	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	m.Invalidate()
	if m.Current() != nil {
		t.Error("Current() should be nil after Invalidate")
	}
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if mock.TokenCount() != 2 {
		t.Errorf("exchanges = %d, want 2", mock.TokenCount())
	}
}

func TestManager_BadCredentials(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()

	m := newTestManager(t, mock, testutil.NewFakeClock(), "wrong-secret")

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("Token() expected error for bad credentials")
	}

	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Token() error = %T %v, want *AuthenticationError", err, err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", authErr.StatusCode)
	}
}

func TestManager_ServerErrorIsTransient(t *testing.T) {
	mock := testutil.NewMockAvela()
	defer mock.Close()
	mock.FailTokenExchanges(testutil.NewServerErrorResponse())

	m := newTestManager(t, mock, testutil.NewFakeClock(), testutil.MockClientSecret)
	ctx := context.Background()

	_, err := m.Token(ctx)
	if err == nil {
		t.Fatal("Token() expected error for 503")
	}
	if IsAuthenticationError(err) {
		t.Errorf("503 classified as AuthenticationError: %v", err)
	}

	if _, err := m.Token(ctx); err != nil {
		t.Errorf("Token() after transient failure error = %v", err)
	}
}

func TestManager_NetworkErrorIsTransient(t *testing.T) {
	mock := testutil.NewMockAvela()
	m := newTestManager(t, mock, testutil.NewFakeClock(), testutil.MockClientSecret)
	mock.Close()

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("Token() expected error for closed server")
	}
	if IsAuthenticationError(err) {
		t.Errorf("network error classified as AuthenticationError: %v", err)
	}
}
