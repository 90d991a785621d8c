// Package avela exposes the Customer API v2 resources used by the tools:
// forms (including question answers and uploaded files), tags, applicants
// and offers.
package avela

import (
	"context"
	"errors"

	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/Sternrassler/avela-client/pkg/pagination"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Executor performs one logical API request. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req *client.Request) (*client.Response, error)
}

// API groups the resource services.
type API struct {
	Forms      *Forms
	Tags       *Tags
	Applicants *Applicants
	Offers     *Offers
}

// Config holds API configuration.
type Config struct {
	// PageSize for list endpoints (default and maximum 1000).
	PageSize int

	Logger zerolog.Logger
}

// New creates the resource services on top of exec.
func New(exec Executor, cfg Config) *API {
	logger := cfg.Logger
	pager := pagination.New(exec, pagination.Config{
		PageSize:      cfg.PageSize,
		ProgressEvery: 10,
		Logger:        logger,
	})
	return &API{
		Forms:      &Forms{exec: exec},
		Tags:       &Tags{exec: exec, logger: logger.With().Str(logging.FieldComponent, "tags").Logger()},
		Applicants: &Applicants{pager: pager},
		Offers:     &Offers{exec: exec, logger: logger.With().Str(logging.FieldComponent, "offers").Logger()},
	}
}
