package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog"
)

const (
	// MaxPageSize is the largest limit the API accepts.
	MaxPageSize = 1000

	// DefaultPageSize is used when Config.PageSize is zero.
	DefaultPageSize = MaxPageSize
)

// Executor performs one logical API request. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req *client.Request) (*client.Response, error)
}

// Config holds paginator configuration.
type Config struct {
	// PageSize is the limit per request, clamped to 1..MaxPageSize.
	PageSize int

	// ProgressEvery logs progress after this many pages (0 disables).
	ProgressEvery int

	Logger zerolog.Logger
}

// DefaultConfig returns the default paginator configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:      DefaultPageSize,
		ProgressEvery: 10,
	}
}

// Paginator fetches offset-paginated collections.
type Paginator struct {
	exec     Executor
	pageSize int
	every    int
	logger   zerolog.Logger
}

// New creates a paginator.
func New(exec Executor, cfg Config) *Paginator {
	return &Paginator{
		exec:     exec,
		pageSize: clampPageSize(cfg.PageSize),
		every:    cfg.ProgressEvery,
		logger:   cfg.Logger.With().Str(logging.FieldComponent, "paginator").Logger(),
	}
}

// PageSize returns the effective page size.
func (p *Paginator) PageSize() int {
	return p.pageSize
}

func clampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

// pageQuery is the pagination part of a list request.
type pageQuery struct {
	Limit  int `url:"limit"`
	Offset int `url:"offset"`
}

// Iterator walks one collection page by page.
type Iterator struct {
	p      *Paginator
	path   string
	field  string
	params url.Values

	offset int
	pages  int
	done   bool
}

// Iterator creates a lazy iterator over the collection at path. Records are
// read from the JSON array under field; params are sent with every page.
func (p *Paginator) Iterator(path, field string, params url.Values) *Iterator {
	return &Iterator{
		p:      p,
		path:   path,
		field:  field,
		params: params,
	}
}

// Done reports whether the last page has been returned.
func (it *Iterator) Done() bool {
	return it.done
}

// Offset returns the offset of the next page.
func (it *Iterator) Offset() int {
	return it.offset
}

// Reset restarts the iterator at offset zero.
func (it *Iterator) Reset() {
	it.offset = 0
	it.pages = 0
	it.done = false
}

// Next fetches the next page. It returns nil records once Done.
func (it *Iterator) Next(ctx context.Context) ([]json.RawMessage, error) {
	if it.done {
		return nil, nil
	}

	values, err := query.Values(pageQuery{Limit: it.p.pageSize, Offset: it.offset})
	if err != nil {
		return nil, fmt.Errorf("encode page query: %w", err)
	}
	for key, vs := range it.params {
		for _, v := range vs {
			values.Add(key, v)
		}
	}

	resp, err := it.p.exec.Execute(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   it.path,
		Query:  values,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s at offset %d: %w", it.path, it.offset, err)
	}

	records, err := decodePage(resp.Body, it.field)
	if err != nil {
		return nil, fmt.Errorf("decode %s at offset %d: %w", it.path, it.offset, err)
	}

	it.pages++
	it.offset += len(records)
	if len(records) < it.p.pageSize {
		it.done = true
	}

	if it.p.every > 0 && it.pages%it.p.every == 0 {
		it.p.logger.Info().
			Str(logging.FieldPath, it.path).
			Int("pages", it.pages).
			Int("records", it.offset).
			Msg("Fetch progress")
	}

	return records, nil
}

func decodePage(body []byte, field string) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	raw, ok := envelope[field]
	if !ok || string(raw) == "null" {
		return nil, nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("field %q: %w", field, err)
	}
	return records, nil
}

// FetchAll materializes the whole collection at path.
func (p *Paginator) FetchAll(ctx context.Context, path, field string, params url.Values) ([]json.RawMessage, error) {
	it := p.Iterator(path, field, params)

	var all []json.RawMessage
	for !it.Done() {
		page, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}

	p.logger.Info().
		Str(logging.FieldPath, path).
		Int("pages", it.pages).
		Int("records", len(all)).
		Msg("Fetch complete")

	return all, nil
}

// Collect fetches the whole collection and decodes every record into T.
func Collect[T any](ctx context.Context, p *Paginator, path, field string, params url.Values) ([]T, error) {
	raw, err := p.FetchAll(ctx, path, field, params)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
