package batch

import (
	"context"
	"fmt"

	"github.com/Sternrassler/avela-client/pkg/client"
)

// submitSequential applies a chunk one operation at a time through the
// single form/school endpoint and reports it in the same group shape as a
// batch submission.
func (e *Engine) submitSequential(ctx context.Context, chunk Chunk, mode Mode, s *RunSummary) error {
	order, groups := chunk.groups()

	for _, key := range order {
		ops := groups[key]
		result := GroupResult{
			Chunk:     chunk.Index,
			GroupKey:  key,
			Requested: len(ops),
		}

		var failures int
		var lastErr error
		var unchanged []Operation
		for _, op := range ops {
			affected, err := e.submitOne(ctx, op, mode)
			if err != nil {
				if fatal(err) {
					return err
				}
				failures++
				lastErr = err
				result.StatusCode = client.StatusCode(err)
				s.addLineError(op.Line, singleErrorMessage(err))
				continue
			}
			result.Affected += affected
			if affected > 0 {
				s.InsertedTotal++
			} else {
				s.AlreadyPresentTotal++
				unchanged = append(unchanged, op)
			}
		}

		s.State = StateAggregating
		switch {
		case failures == 0 && len(unchanged) == 0:
			result.StatusCode = 200
			result.FullyApplied = true
			batchGroupsTotal.WithLabelValues("applied").Inc()
		case failures == 0:
			result.StatusCode = 200
			s.markPartial(key)
			batchGroupsTotal.WithLabelValues("partial").Inc()
			for _, op := range unchanged {
				s.addWarning(op.Line, fmt.Sprintf("Tag %s not fully applied (%d of %d rows affected)", key, result.Affected, len(ops)))
			}
		case failures == len(ops):
			result.Err = lastErr
			s.markFailed(key)
			batchGroupsTotal.WithLabelValues("failed").Inc()
		default:
			result.Err = lastErr
			s.markPartial(key)
			batchGroupsTotal.WithLabelValues("partial").Inc()
		}
		s.Groups = append(s.Groups, result)
	}

	batchChunksTotal.WithLabelValues("sequential").Inc()
	return nil
}

func (e *Engine) submitOne(ctx context.Context, op Operation, mode Mode) (int, error) {
	resp, err := e.exec.Execute(ctx, &client.Request{
		Method: method(mode),
		Path:   singlePath(op),
		Body:   singleRequest{TagID: op.TagID},
	})
	if err != nil {
		return 0, err
	}

	var out singleResponse
	if len(resp.Body) > 0 {
		if err := resp.Decode(&out); err != nil {
			return 0, err
		}
	}
	return out.AffectedRows, nil
}

func singleErrorMessage(err error) string {
	if client.IsNotFound(err) {
		return "Form, school, or tag not found (404)"
	}
	return fmt.Sprintf("Request failed: %v", err)
}
