package batch

import (
	"fmt"
	"sort"
)

// Mode selects the mutation applied to every operation.
type Mode string

const (
	// ModeAdd tags form/school pairs (add if absent).
	ModeAdd Mode = "add"

	// ModeRemove untags form/school pairs (remove if present).
	ModeRemove Mode = "remove"
)

// State is the phase of a run.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateResolving      State = "resolving_identifiers"
	StateChunking       State = "chunking"
	StateSubmitting     State = "submitting"
	StateAggregating    State = "aggregating"
	StateDone           State = "done"
	StateFatal          State = "fatal"
)

// Record is one input row: a tag reference for a form/school pair.
type Record struct {
	FormID   string
	SchoolID string

	// Tag is a tag name (matched case-insensitively) or, with TagIsID, a tag id.
	Tag     string
	TagIsID bool

	// Line is the source line used in error reports.
	Line int
}

// Operation is a resolved record, ready for submission. It is never mutated
// after creation.
type Operation struct {
	FormID   string
	SchoolID string
	TagID    string
	Line     int
}

// SubjectKey identifies the form/school pair being tagged.
func (o Operation) SubjectKey() string {
	return o.FormID + "/" + o.SchoolID
}

// GroupKey is the key the server groups batch results by.
func (o Operation) GroupKey() string {
	return o.TagID
}

// Chunk is an ordered slice of operations submitted in one request.
type Chunk struct {
	Index      int
	Operations []Operation
}

// groups splits the chunk by group key, keeping first-appearance order.
func (c Chunk) groups() ([]string, map[string][]Operation) {
	var order []string
	byKey := make(map[string][]Operation)
	for _, op := range c.Operations {
		key := op.GroupKey()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], op)
	}
	return order, byKey
}

// GroupResult is the outcome of one group key within one chunk.
type GroupResult struct {
	Chunk        int    `json:"chunk"`
	GroupKey     string `json:"group_key"`
	StatusCode   int    `json:"status_code"`
	Requested    int    `json:"requested"`
	Affected     int    `json:"affected"`
	FullyApplied bool   `json:"fully_applied"`
	Err          error  `json:"-"`
}

// Succeeded reports a 2xx group outcome that applied every requested row.
func (g GroupResult) Succeeded() bool {
	return g.Err == nil && g.StatusCode >= 200 && g.StatusCode < 300 && g.FullyApplied
}

// LineError attributes a problem to an input line.
type LineError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ValidationError is a record that cannot be turned into an operation.
type ValidationError struct {
	Line    int
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// RunSummary aggregates every group result of a run.
//
// In remove mode InsertedTotal counts removed assignments and
// AlreadyPresentTotal counts assignments that were already absent.
type RunSummary struct {
	Mode   Mode  `json:"mode"`
	DryRun bool  `json:"dry_run"`
	State  State `json:"state"`

	Records             int `json:"records"`
	PlannedTotal        int `json:"planned_total"`
	Chunks              int `json:"chunks"`
	ChunksSubmitted     int `json:"chunks_submitted"`
	InsertedTotal       int `json:"inserted_total"`
	AlreadyPresentTotal int `json:"already_present_total"`

	PartialGroupKeys []string      `json:"partial_group_keys"`
	FailedGroupKeys  []string      `json:"failed_group_keys"`
	LineErrors       []LineError   `json:"line_errors"`
	Groups           []GroupResult `json:"groups"`

	// Warnings attribute the lines of 2xx groups that were not fully
	// applied, e.g. because the assignment already existed.
	Warnings []LineError `json:"warnings"`
}

// HasFailures reports whether any line or group failed. Partially applied
// 2xx groups are warnings, not failures, so a rerun of the same input
// succeeds.
func (s *RunSummary) HasFailures() bool {
	return len(s.LineErrors) > 0 || len(s.FailedGroupKeys) > 0
}

// FullyAppliedGroupKeys returns keys whose every group result succeeded in full.
func (s *RunSummary) FullyAppliedGroupKeys() []string {
	bad := make(map[string]bool)
	for _, k := range s.PartialGroupKeys {
		bad[k] = true
	}
	for _, k := range s.FailedGroupKeys {
		bad[k] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, g := range s.Groups {
		if bad[g.GroupKey] || seen[g.GroupKey] || !g.Succeeded() {
			continue
		}
		seen[g.GroupKey] = true
		out = append(out, g.GroupKey)
	}
	return out
}

func (s *RunSummary) addLineError(line int, msg string) {
	s.LineErrors = append(s.LineErrors, LineError{Line: line, Message: msg})
}

func (s *RunSummary) addWarning(line int, msg string) {
	s.Warnings = append(s.Warnings, LineError{Line: line, Message: msg})
}

func (s *RunSummary) markPartial(key string) {
	s.PartialGroupKeys = appendUnique(s.PartialGroupKeys, key)
}

func (s *RunSummary) markFailed(key string) {
	s.FailedGroupKeys = appendUnique(s.FailedGroupKeys, key)
}

// sortLineErrors orders line errors and warnings by line, keeping insertion
// order for entries on the same line.
func (s *RunSummary) sortLineErrors() {
	for _, list := range [][]LineError{s.LineErrors, s.Warnings} {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Line < list[j].Line
		})
	}
}

func appendUnique(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}
