package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Batch endpoint paths, relative to the API base URL.
const (
	BatchPath = "/tags/schools/batch"

	// MaxChunkSize is the wire limit of operations per batch request.
	MaxChunkSize = 100
)

type batchRequest struct {
	Operations []wireOperation `json:"operations"`
}

type wireOperation struct {
	FormID   string `json:"form_id"`
	SchoolID string `json:"school_id"`
	TagID    string `json:"tag_id"`
}

func newBatchRequest(ops []Operation) batchRequest {
	req := batchRequest{Operations: make([]wireOperation, 0, len(ops))}
	for _, op := range ops {
		req.Operations = append(req.Operations, wireOperation{
			FormID:   op.FormID,
			SchoolID: op.SchoolID,
			TagID:    op.TagID,
		})
	}
	return req
}

type batchResponse struct {
	Responses []groupResponse `json:"responses"`
}

type groupResponse struct {
	Status       statusCode `json:"status"`
	TagID        string     `json:"tag_id"`
	AffectedRows int        `json:"affected_rows"`
	Requested    *int       `json:"requested"`
	FullyApplied *bool      `json:"fully_applied"`
	Error        string     `json:"error"`
	Message      string     `json:"message"`
}

// statusCode accepts a status encoded as a number or a numeric string.
type statusCode int

// UnmarshalJSON implements json.Unmarshaler.
func (s *statusCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("invalid status %q", str)
		}
		*s = statusCode(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid status %s", data)
	}
	*s = statusCode(n)
	return nil
}

// groupOutcome is the server's verdict for one group key.
type groupOutcome struct {
	status       int
	affected     int
	fullyApplied bool
	// fullyKnown is false when the server omitted fully_applied.
	fullyKnown bool
	message    string
}

// decodeGroups reads a multi-status body into a map keyed by tag id. The
// response order carries no meaning.
func decodeGroups(body []byte) (map[string]groupOutcome, error) {
	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	out := make(map[string]groupOutcome, len(resp.Responses))
	for _, r := range resp.Responses {
		status := int(r.Status)
		fully := status >= 200 && status < 300
		if r.FullyApplied != nil {
			fully = fully && *r.FullyApplied
		}
		msg := r.Message
		if msg == "" {
			msg = r.Error
		}

		outcome := groupOutcome{
			status:       status,
			affected:     r.AffectedRows,
			fullyApplied: fully,
			fullyKnown:   r.FullyApplied != nil,
			message:      msg,
		}
		// A group key repeated within one response is summed.
		if prev, ok := out[r.TagID]; ok {
			outcome.affected += prev.affected
			outcome.fullyApplied = outcome.fullyApplied && prev.fullyApplied
			outcome.fullyKnown = outcome.fullyKnown && prev.fullyKnown
			if prev.status < 200 || prev.status >= 300 {
				outcome.status = prev.status
				outcome.message = prev.message
			}
		}
		out[r.TagID] = outcome
	}
	return out, nil
}

// singlePath is the per-operation endpoint used in sequential mode.
func singlePath(op Operation) string {
	return "/tags/forms/" + op.FormID + "/schools/" + op.SchoolID
}

type singleRequest struct {
	TagID string `json:"tag_id"`
}

type singleResponse struct {
	AffectedRows int `json:"affected_rows"`
}
