package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Sternrassler/avela-client/internal/config"
	"github.com/Sternrassler/avela-client/pkg/auth"
	"github.com/Sternrassler/avela-client/pkg/avela"
	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/Sternrassler/avela-client/pkg/metrics"
	"github.com/Sternrassler/avela-client/pkg/ratelimit"
	"github.com/mitchellh/cli"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// baseCommand carries the flags and wiring shared by every command.
type baseCommand struct {
	ui     cli.Ui
	stdout io.Writer
	logs   io.Writer

	flagConfig      string
	flagMetricsAddr string
}

func (c *baseCommand) flagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.StringVar(&c.flagConfig, "config", "",
		fmt.Sprintf("Path to the config file (default: $%s or %s)", config.EnvConfigPath, config.DefaultPath))
	f.StringVar(&c.flagMetricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address while the command runs")
	return f
}

// stack is the wired client for one command run.
type stack struct {
	cfg    config.Config
	logger zerolog.Logger
	client *client.Client
	api    *avela.API

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// setup loads the config and builds token manager, limiter, executor and
// API services. The metrics server, if requested, stops with ctx.
func (c *baseCommand) setup(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(config.ResolvePath(c.flagConfig))
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = c.logs
	logger, runID := logging.WithRun(logging.Setup(logCfg))
	logger.Debug().Str("environment", cfg.Environment).Str(logging.FieldRunID, runID).Msg("Starting run")

	endpoints, err := cfg.ResolveEndpoints()
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewManager(auth.Config{
		Credentials: cfg.Credentials(),
		Endpoints:   endpoints,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, logger: logger}

	limiterCfg := cfg.RateLimitConfig()
	limiterCfg.Logger = logger
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		s.closers = append(s.closers, rdb.Close)
		limiterCfg.Store = ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Sharing rate limit slots through redis")
	}

	s.client, err = client.New(client.Config{
		BaseURL: endpoints.BaseURL,
		Tokens:  tokens,
		Limiter: ratelimit.NewLimiter(limiterCfg),
		Retry:   cfg.RetryConfig(),
		Logger:  logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.api = avela.New(s.client, avela.Config{
		PageSize: cfg.Pagination.PageSize,
		Logger:   logger,
	})

	if c.flagMetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, c.flagMetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	return s, nil
}
