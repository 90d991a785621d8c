// Package config loads the avela CLI configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/avela-client/pkg/auth"
	"github.com/Sternrassler/avela-client/pkg/batch"
	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/Sternrassler/avela-client/pkg/pagination"
	"github.com/Sternrassler/avela-client/pkg/ratelimit"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvConfigPath   = "AVELA_CONFIG"
	EnvClientID     = "AVELA_CLIENT_ID"
	EnvClientSecret = "AVELA_CLIENT_SECRET"
	EnvEnvironment  = "AVELA_ENVIRONMENT"
)

// DefaultPath is used when neither -config nor AVELA_CONFIG is set.
const DefaultPath = "config.yaml"

// Config is the top-level configuration file.
type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Environment  string `yaml:"environment"`

	// Endpoints override the environment defaults field by field.
	Endpoints Endpoints `yaml:"endpoints"`

	RateLimit  RateLimit  `yaml:"rate_limit"`
	Retry      Retry      `yaml:"retry"`
	Batch      Batch      `yaml:"batch"`
	Pagination Pagination `yaml:"pagination"`
	Redis      Redis      `yaml:"redis"`
	Logging    Logging    `yaml:"logging"`
}

// Endpoints overrides auth.Endpoints.
type Endpoints struct {
	TokenURL string `yaml:"token_url"`
	BaseURL  string `yaml:"base_url"`
	Audience string `yaml:"audience"`
}

// RateLimit configures request pacing.
type RateLimit struct {
	Requests     int           `yaml:"requests"`
	Window       time.Duration `yaml:"window"`
	SafetyBuffer float64       `yaml:"safety_buffer"`
}

// Retry configures the executor retry policy.
type Retry struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxElapsed        time.Duration `yaml:"max_elapsed"`
	MaxRateLimitWaits int           `yaml:"max_rate_limit_waits"`
}

// Batch configures the batch engine.
type Batch struct {
	ChunkSize int `yaml:"chunk_size"`
}

// Pagination configures list fetches.
type Pagination struct {
	PageSize int `yaml:"page_size"`
}

// Redis enables the shared rate limit slot store when Addr is set.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Logging configures the global logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration with every tuning value at its default.
func Default() Config {
	rl := ratelimit.DefaultConfig()
	retry := client.DefaultRetryConfig()

	return Config{
		RateLimit: RateLimit{
			Requests:     rl.Requests,
			Window:       rl.Window,
			SafetyBuffer: rl.SafetyBuffer,
		},
		Retry: Retry{
			MaxAttempts:       retry.MaxAttempts,
			InitialBackoff:    retry.InitialBackoff,
			MaxBackoff:        retry.MaxBackoff,
			MaxElapsed:        retry.MaxElapsed,
			MaxRateLimitWaits: retry.MaxRateLimitWaits,
		},
		Batch:      Batch{ChunkSize: batch.MaxChunkSize},
		Pagination: Pagination{PageSize: pagination.DefaultPageSize},
		Redis:      Redis{KeyPrefix: ratelimit.DefaultRedisKeyPrefix},
		Logging:    Logging{Level: string(logging.LevelInfo)},
	}
}

// ResolvePath picks the config file path: flag, then AVELA_CONFIG, then
// DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the result.
// A missing file is not an error when the credentials come from the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Environment only.
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if strings.TrimSpace(c.ClientID) == "" {
		result = multierror.Append(result, fmt.Errorf("client_id is required (or %s)", EnvClientID))
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		result = multierror.Append(result, fmt.Errorf("client_secret is required (or %s)", EnvClientSecret))
	}
	if strings.TrimSpace(c.Environment) == "" {
		result = multierror.Append(result, fmt.Errorf("environment is required (or %s)", EnvEnvironment))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		result = multierror.Append(result, fmt.Errorf("rate_limit.window must be positive"))
	}
	if c.RateLimit.SafetyBuffer < 0 {
		result = multierror.Append(result, fmt.Errorf("rate_limit.safety_buffer must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.MaxElapsed < 0 {
		result = multierror.Append(result, fmt.Errorf("retry durations must not be negative"))
	}
	if c.Batch.ChunkSize < 1 || c.Batch.ChunkSize > batch.MaxChunkSize {
		result = multierror.Append(result, fmt.Errorf("batch.chunk_size must be between 1 and %d", batch.MaxChunkSize))
	}
	if c.Pagination.PageSize < 1 || c.Pagination.PageSize > pagination.MaxPageSize {
		result = multierror.Append(result, fmt.Errorf("pagination.page_size must be between 1 and %d", pagination.MaxPageSize))
	}
	if err := logging.ValidateLevel(logging.LogLevel(c.Logging.Level)); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}

	return result.ErrorOrNil()
}

// Credentials returns the client credentials.
func (c Config) Credentials() auth.Credentials {
	return auth.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Environment:  c.Environment,
	}
}

// ResolveEndpoints merges the overrides onto the environment defaults.
func (c Config) ResolveEndpoints() (auth.Endpoints, error) {
	override := auth.Endpoints{
		TokenURL: c.Endpoints.TokenURL,
		BaseURL:  c.Endpoints.BaseURL,
		Audience: c.Endpoints.Audience,
	}
	if override.TokenURL != "" && override.BaseURL != "" && override.Audience != "" {
		return override.Merge(auth.Endpoints{}), nil
	}

	defaults, err := auth.EndpointsFor(c.Environment)
	if err != nil {
		return auth.Endpoints{}, err
	}
	return override.Merge(defaults), nil
}

// RateLimitConfig returns the limiter configuration (store, clock and
// logger are left to the caller).
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Requests:     c.RateLimit.Requests,
		Window:       c.RateLimit.Window,
		SafetyBuffer: c.RateLimit.SafetyBuffer,
	}
}

// RetryConfig returns the executor retry policy.
func (c Config) RetryConfig() client.RetryConfig {
	cfg := client.DefaultRetryConfig()
	cfg.MaxAttempts = c.Retry.MaxAttempts
	cfg.InitialBackoff = c.Retry.InitialBackoff
	cfg.MaxBackoff = c.Retry.MaxBackoff
	cfg.MaxElapsed = c.Retry.MaxElapsed
	cfg.MaxRateLimitWaits = c.Retry.MaxRateLimitWaits
	return cfg
}

// LoggingConfig returns the logger configuration writing to stderr.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
