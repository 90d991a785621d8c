// Package batch applies tag mutations for many form/school pairs through the
// Avela batch endpoint.
//
// A run resolves every input record, splits the resulting operations into
// chunks of at most MaxChunkSize in input order, submits each chunk and folds
// the multi-status response into a RunSummary. Failed groups and chunks are
// reported per line and never stop the run; only authentication failures and
// cancellation do. Mutations are add-if-absent (remove-if-present), so an
// interrupted run is resumed by running the same input again.
package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/avela-client/pkg/auth"
	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch runs.
var (
	batchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avela_batch_chunks_total",
		Help: "Total batch chunks by result",
	}, []string{"result"})

	batchGroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avela_batch_groups_total",
		Help: "Total batch group results by outcome",
	}, []string{"outcome"})
)

// Executor performs one logical API request. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req *client.Request) (*client.Response, error)
}

// Authenticator is implemented by executors that can obtain a token up front.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Resolver turns a tag reference into a tag id.
type Resolver interface {
	Resolve(ref string, isID bool) (string, error)
}

// Options controls one run.
type Options struct {
	Mode Mode

	// DryRun resolves and chunks without submitting anything.
	DryRun bool

	// ChunkSize caps operations per request (default and maximum MaxChunkSize).
	ChunkSize int

	// Sequential submits one request per operation through the single
	// form/school tag endpoint instead of the batch endpoint.
	Sequential bool

	// Progress, if set, is called after every submitted chunk.
	Progress func(done, total int)
}

// Config holds engine configuration.
type Config struct {
	Executor Executor
	Resolver Resolver
	Logger   zerolog.Logger
}

// Engine runs batch imports.
type Engine struct {
	exec     Executor
	resolver Resolver
	logger   zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	return &Engine{
		exec:     cfg.Executor,
		resolver: cfg.Resolver,
		logger:   cfg.Logger.With().Str(logging.FieldComponent, "batch").Logger(),
	}, nil
}

// Run applies opts.Mode to every record.
//
// The returned summary is never nil. A non-nil error means the run ended in
// StateFatal: credentials were rejected or ctx was cancelled. Everything else
// is recorded in the summary.
func (e *Engine) Run(ctx context.Context, records []Record, opts Options) (*RunSummary, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAdd
	}
	if opts.ChunkSize <= 0 || opts.ChunkSize > MaxChunkSize {
		opts.ChunkSize = MaxChunkSize
	}

	summary := &RunSummary{
		Mode:             opts.Mode,
		DryRun:           opts.DryRun,
		State:            StateIdle,
		Records:          len(records),
		PartialGroupKeys: []string{},
		FailedGroupKeys:  []string{},
		LineErrors:       []LineError{},
		Groups:           []GroupResult{},
	}

	if opts.Mode != ModeAdd && opts.Mode != ModeRemove {
		e.setState(summary, StateFatal)
		return summary, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	e.setState(summary, StateAuthenticating)
	if authn, ok := e.exec.(Authenticator); ok {
		if err := authn.Authenticate(ctx); err != nil {
			e.setState(summary, StateFatal)
			return summary, fmt.Errorf("authenticate: %w", err)
		}
	}

	e.setState(summary, StateResolving)
	ops := e.resolve(records, summary)
	summary.PlannedTotal = len(ops)

	e.setState(summary, StateChunking)
	chunks := Partition(ops, opts.ChunkSize)
	summary.Chunks = len(chunks)

	e.logger.Info().
		Str("mode", string(opts.Mode)).
		Int("records", len(records)).
		Int("operations", len(ops)).
		Int("chunks", len(chunks)).
		Int("invalid", len(summary.LineErrors)).
		Bool("dry_run", opts.DryRun).
		Msg("Run planned")

	if opts.DryRun {
		summary.sortLineErrors()
		e.setState(summary, StateDone)
		return summary, nil
	}

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			summary.sortLineErrors()
			e.setState(summary, StateFatal)
			return summary, fmt.Errorf("%w before chunk %d: %w", client.ErrContextCancelled, chunk.Index, err)
		}

		summary.State = StateSubmitting
		e.logger.Debug().
			Int(logging.FieldChunk, chunk.Index).
			Int("operations", len(chunk.Operations)).
			Msg("Submitting chunk")

		var err error
		if opts.Sequential {
			err = e.submitSequential(ctx, chunk, opts.Mode, summary)
		} else {
			err = e.submitBatch(ctx, chunk, opts.Mode, summary)
		}
		if err != nil {
			summary.sortLineErrors()
			e.setState(summary, StateFatal)
			return summary, err
		}
		summary.ChunksSubmitted++

		if opts.Progress != nil {
			opts.Progress(chunk.Index+1, len(chunks))
		}
	}

	summary.sortLineErrors()
	e.setState(summary, StateDone)

	e.logger.Info().
		Str("mode", string(opts.Mode)).
		Int("inserted", summary.InsertedTotal).
		Int("already_present", summary.AlreadyPresentTotal).
		Int("partial_groups", len(summary.PartialGroupKeys)).
		Int("failed_groups", len(summary.FailedGroupKeys)).
		Int("line_errors", len(summary.LineErrors)).
		Msg("Run complete")

	return summary, nil
}

func (e *Engine) setState(s *RunSummary, state State) {
	e.logger.Debug().
		Str("from", string(s.State)).
		Str("to", string(state)).
		Msg("Run state")
	s.State = state
}

// resolve validates records and resolves tag references. Invalid records
// become line errors and are left out.
func (e *Engine) resolve(records []Record, s *RunSummary) []Operation {
	ops := make([]Operation, 0, len(records))
	for _, r := range records {
		op, err := e.resolveRecord(r)
		if err != nil {
			s.addLineError(r.Line, err.Message)
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

func (e *Engine) resolveRecord(r Record) (Operation, *ValidationError) {
	if _, err := uuid.Parse(r.FormID); err != nil {
		return Operation{}, &ValidationError{Line: r.Line, Message: fmt.Sprintf("Invalid UUID in Form ID: %s", r.FormID)}
	}
	if _, err := uuid.Parse(r.SchoolID); err != nil {
		return Operation{}, &ValidationError{Line: r.Line, Message: fmt.Sprintf("Invalid UUID in School ID: %s", r.SchoolID)}
	}

	tagID, err := e.resolver.Resolve(r.Tag, r.TagIsID)
	if err != nil {
		return Operation{}, &ValidationError{Line: r.Line, Message: err.Error()}
	}

	return Operation{
		FormID:   r.FormID,
		SchoolID: r.SchoolID,
		TagID:    tagID,
		Line:     r.Line,
	}, nil
}

// Partition splits ops into chunks of at most size, preserving order.
func Partition(ops []Operation, size int) []Chunk {
	if size <= 0 {
		size = MaxChunkSize
	}
	var chunks []Chunk
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Operations: ops[start:end],
		})
	}
	return chunks
}

func method(mode Mode) string {
	if mode == ModeRemove {
		return http.MethodDelete
	}
	return http.MethodPost
}

// fatal reports errors that must end the run.
func fatal(err error) bool {
	return auth.IsAuthenticationError(err) || errors.Is(err, client.ErrContextCancelled)
}

func (e *Engine) submitBatch(ctx context.Context, chunk Chunk, mode Mode, s *RunSummary) error {
	resp, err := e.exec.Execute(ctx, &client.Request{
		Method: method(mode),
		Path:   BatchPath,
		Body:   newBatchRequest(chunk.Operations),
	})
	if err != nil {
		if fatal(err) {
			return err
		}
		e.failChunk(chunk, err, s)
		return nil
	}

	outcomes, err := decodeGroups(resp.Body)
	if err != nil {
		e.failChunk(chunk, err, s)
		return nil
	}

	s.State = StateAggregating
	e.aggregate(chunk, outcomes, s)
	batchChunksTotal.WithLabelValues("submitted").Inc()
	return nil
}

// failChunk records every group of a chunk whose request failed as a whole.
func (e *Engine) failChunk(chunk Chunk, err error, s *RunSummary) {
	batchChunksTotal.WithLabelValues("failed").Inc()
	e.logger.Warn().Err(err).
		Int(logging.FieldChunk, chunk.Index).
		Int("operations", len(chunk.Operations)).
		Msg("Chunk failed")

	order, groups := chunk.groups()
	for _, key := range order {
		ops := groups[key]
		s.Groups = append(s.Groups, GroupResult{
			Chunk:      chunk.Index,
			GroupKey:   key,
			StatusCode: client.StatusCode(err),
			Requested:  len(ops),
			Err:        err,
		})
		s.markFailed(key)
		batchGroupsTotal.WithLabelValues("failed").Inc()
		for _, op := range ops {
			s.addLineError(op.Line, fmt.Sprintf("Batch request failed: %v", err))
		}
	}
}

// aggregate folds the decoded group outcomes of one chunk into s. Requested
// counts come from the chunk itself.
func (e *Engine) aggregate(chunk Chunk, outcomes map[string]groupOutcome, s *RunSummary) {
	order, groups := chunk.groups()
	for _, key := range order {
		ops := groups[key]
		result := GroupResult{
			Chunk:     chunk.Index,
			GroupKey:  key,
			Requested: len(ops),
		}

		outcome, ok := outcomes[key]
		if !ok {
			result.Err = fmt.Errorf("no result for tag %s in batch response", key)
			s.Groups = append(s.Groups, result)
			s.markFailed(key)
			batchGroupsTotal.WithLabelValues("failed").Inc()
			for _, op := range ops {
				s.addLineError(op.Line, result.Err.Error())
			}
			continue
		}

		result.StatusCode = outcome.status
		result.Affected = outcome.affected
		result.FullyApplied = outcome.fullyApplied

		if outcome.status >= 200 && outcome.status < 300 {
			// Fewer affected rows than requested is partial whatever the
			// server's flag says.
			result.FullyApplied = outcome.affected >= len(ops) &&
				(!outcome.fullyKnown || outcome.fullyApplied)

			s.InsertedTotal += outcome.affected
			if rest := len(ops) - outcome.affected; rest > 0 {
				s.AlreadyPresentTotal += rest
			}
			if result.FullyApplied {
				batchGroupsTotal.WithLabelValues("applied").Inc()
			} else {
				s.markPartial(key)
				batchGroupsTotal.WithLabelValues("partial").Inc()
				for _, op := range ops {
					s.addWarning(op.Line, fmt.Sprintf("Tag %s not fully applied (%d of %d rows affected)", key, outcome.affected, len(ops)))
				}
			}
			s.Groups = append(s.Groups, result)
			continue
		}

		result.Err = groupError(key, outcome)
		s.Groups = append(s.Groups, result)
		for _, op := range ops {
			s.addLineError(op.Line, result.Err.Error())
		}

		if outcome.affected > 0 {
			s.InsertedTotal += outcome.affected
			s.markPartial(key)
			batchGroupsTotal.WithLabelValues("partial").Inc()
		} else {
			s.markFailed(key)
			batchGroupsTotal.WithLabelValues("failed").Inc()
		}

		e.logger.Warn().
			Int(logging.FieldChunk, chunk.Index).
			Str(logging.FieldGroup, key).
			Int(logging.FieldStatus, outcome.status).
			Int("affected", outcome.affected).
			Int("requested", len(ops)).
			Msg("Group not applied")
	}
}

func groupError(key string, o groupOutcome) error {
	switch {
	case o.status == http.StatusNotFound:
		return fmt.Errorf("tag not found: %s", key)
	case o.message != "":
		return fmt.Errorf("tag %s: status %d: %s", key, o.status, o.message)
	default:
		return fmt.Errorf("tag %s: status %d", key, o.status)
	}
}
