package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfigPath, EnvClientID, EnvClientSecret, EnvEnvironment} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
client_id: abc
client_secret: s3cret
environment: staging
rate_limit:
  requests: 50
  window: 1m
retry:
  max_attempts: 3
  initial_backoff: 500ms
batch:
  chunk_size: 25
redis:
  addr: localhost:6379
logging:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ClientID != "abc" || cfg.Environment != "staging" {
		t.Errorf("credentials = %+v", cfg.Credentials())
	}
	if cfg.RateLimit.Requests != 50 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	// Unset fields keep their defaults.
	if cfg.RateLimit.SafetyBuffer != 0.10 {
		t.Errorf("safety_buffer = %v, want default 0.10", cfg.RateLimit.SafetyBuffer)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Retry.MaxBackoff != 32*time.Second {
		t.Errorf("max_backoff = %v, want default 32s", cfg.Retry.MaxBackoff)
	}
	if cfg.Batch.ChunkSize != 25 {
		t.Errorf("chunk_size = %d, want 25", cfg.Batch.ChunkSize)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.KeyPrefix != "avela:rate_limit" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if !cfg.LoggingConfig().Pretty || cfg.LoggingConfig().Level != "debug" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_JSONIsAccepted(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"client_id": "a", "client_secret": "b", "environment": "prod"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != "prod" {
		t.Errorf("environment = %q, want prod", cfg.Environment)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "client_id: file-id\nclient_secret: file-secret\nenvironment: staging\n")
	t.Setenv(EnvClientID, "env-id")
	t.Setenv(EnvEnvironment, "qa")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ClientID != "env-id" || cfg.ClientSecret != "file-secret" || cfg.Environment != "qa" {
		t.Errorf("credentials = %+v", cfg.Credentials())
	}
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvClientID, "id")
	t.Setenv(EnvClientSecret, "secret")
	t.Setenv(EnvEnvironment, "prod")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "client_id: [unterminated\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Batch.ChunkSize = 500
	cfg.Retry.MaxAttempts = 0

	err := cfg.Validate()
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Validate() error = %v, want *multierror.Error", err)
	}
	// client_id, client_secret, environment, max_attempts, chunk_size
	if len(merr.Errors) != 5 {
		t.Errorf("errors = %d, want 5: %v", len(merr.Errors), err)
	}
}

func TestValidate_Table(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.ClientID, cfg.ClientSecret, cfg.Environment = "id", "secret", "prod"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"pacing disabled", func(c *Config) { c.RateLimit.Requests = 0; c.RateLimit.Window = 0 }, ""},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "rate_limit.window"},
		{"negative buffer", func(c *Config) { c.RateLimit.SafetyBuffer = -1 }, "safety_buffer"},
		{"negative backoff", func(c *Config) { c.Retry.MaxBackoff = -time.Second }, "retry durations"},
		{"chunk too small", func(c *Config) { c.Batch.ChunkSize = 0 }, "chunk_size"},
		{"page too large", func(c *Config) { c.Pagination.PageSize = 5000 }, "page_size"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvConfigPath, "/etc/avela.yaml")
	if got := ResolvePath(""); got != "/etc/avela.yaml" {
		t.Errorf("ResolvePath() = %q, want env path", got)
	}
	if got := ResolvePath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("ResolvePath() = %q, want flag path", got)
	}
}

func TestResolveEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	cfg.Endpoints.BaseURL = "http://localhost:8080/api/rest/v2/"

	ep, err := cfg.ResolveEndpoints()
	if err != nil {
		t.Fatalf("ResolveEndpoints() error = %v", err)
	}
	if ep.BaseURL != "http://localhost:8080/api/rest/v2" {
		t.Errorf("BaseURL = %q", ep.BaseURL)
	}
	if !strings.Contains(ep.TokenURL, "avela-staging") {
		t.Errorf("TokenURL = %q, want staging default", ep.TokenURL)
	}

	full := Default()
	full.Endpoints = Endpoints{TokenURL: "http://t", BaseURL: "http://b", Audience: "aud"}
	if ep, err := full.ResolveEndpoints(); err != nil || ep.Audience != "aud" {
		t.Errorf("ResolveEndpoints() = %+v, %v; want full override without environment", ep, err)
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 2

	rc := cfg.RetryConfig()
	if rc.MaxAttempts != 2 || rc.BackoffMultiplier != 2.0 || rc.DefaultRetryAfter != 10*time.Second {
		t.Errorf("RetryConfig() = %+v", rc)
	}
}
