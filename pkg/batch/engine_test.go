package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/Sternrassler/avela-client/internal/testutil"
	"github.com/Sternrassler/avela-client/pkg/auth"
	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/Sternrassler/avela-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

const (
	tagPriority = "11111111-1111-4111-8111-000000000001"
	tagSibling  = "11111111-1111-4111-8111-000000000002"
	tagStaff    = "11111111-1111-4111-8111-000000000003"
	tagUnknown  = "11111111-1111-4111-8111-00000000dead"
)

// mapResolver resolves names case-insensitively and passes ids through.
type mapResolver map[string]string

func (m mapResolver) Resolve(ref string, isID bool) (string, error) {
	if isID {
		return ref, nil
	}
	if id, ok := m[strings.ToLower(ref)]; ok {
		return id, nil
	}
	return "", fmt.Errorf("Tag not found: %s", ref)
}

type testStack struct {
	mock   *testutil.MockAvela
	clock  *testutil.FakeClock
	client *client.Client
	engine *Engine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	mock := testutil.NewMockAvela()
	t.Cleanup(mock.Close)
	for _, tag := range []testutil.MockTag{
		{ID: tagPriority, Name: "Priority"},
		{ID: tagSibling, Name: "Sibling"},
		{ID: tagStaff, Name: "Staff Child"},
	} {
		mock.AddTag(tag)
	}

	clk := testutil.NewFakeClock()
	tokens, err := auth.NewManager(auth.Config{
		Credentials: auth.Credentials{
			ClientID:     testutil.MockClientID,
			ClientSecret: testutil.MockClientSecret,
			Environment:  "test",
		},
		Endpoints: auth.Endpoints{
			TokenURL: mock.TokenURL(),
			BaseURL:  mock.BaseURL(),
			Audience: testutil.MockAudience,
		},
		Clock:  clk,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.Clock = clk
	limiterCfg.Logger = zerolog.Nop()

	c, err := client.New(client.Config{
		BaseURL: mock.BaseURL(),
		Tokens:  tokens,
		Limiter: ratelimit.NewLimiter(limiterCfg),
		Clock:   clk,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	engine, err := NewEngine(Config{
		Executor: c,
		Resolver: mapResolver{
			"priority":    tagPriority,
			"sibling":     tagSibling,
			"staff child": tagStaff,
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	return &testStack{mock: mock, clock: clk, client: c, engine: engine}
}

func formID(i int) string   { return fmt.Sprintf("aaaaaaaa-0000-4000-8000-%012d", i) }
func schoolID(i int) string { return fmt.Sprintf("bbbbbbbb-0000-4000-8000-%012d", i%7) }

// makeRecords builds n records for tag names cycling through tags.
func makeRecords(n int, tags ...string) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			FormID:   formID(i),
			SchoolID: schoolID(i),
			Tag:      tags[i%len(tags)],
			Line:     i + 2,
		})
	}
	return records
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(Config{Resolver: mapResolver{}}); err == nil {
		t.Error("NewEngine() without executor: error = nil")
	}
	if _, err := NewEngine(Config{Executor: &scriptedExecutor{}}); err == nil {
		t.Error("NewEngine() without resolver: error = nil")
	}
}

func TestRun_Idempotent(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	records := makeRecords(150, "Priority")

	first, err := stack.engine.Run(ctx, records, Options{Mode: ModeAdd})
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.InsertedTotal != 150 {
		t.Errorf("first InsertedTotal = %d, want 150", first.InsertedTotal)
	}
	if first.AlreadyPresentTotal != 0 {
		t.Errorf("first AlreadyPresentTotal = %d, want 0", first.AlreadyPresentTotal)
	}
	if len(first.FailedGroupKeys) != 0 {
		t.Errorf("first FailedGroupKeys = %v, want none", first.FailedGroupKeys)
	}
	if first.State != StateDone {
		t.Errorf("first State = %s, want done", first.State)
	}
	if len(first.PartialGroupKeys) != 0 {
		t.Errorf("first PartialGroupKeys = %v, want none", first.PartialGroupKeys)
	}

	second, err := stack.engine.Run(ctx, records, Options{Mode: ModeAdd})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.InsertedTotal != 0 {
		t.Errorf("second InsertedTotal = %d, want 0", second.InsertedTotal)
	}
	if second.AlreadyPresentTotal != 150 {
		t.Errorf("second AlreadyPresentTotal = %d, want 150", second.AlreadyPresentTotal)
	}
	if len(second.FailedGroupKeys) != 0 {
		t.Errorf("second FailedGroupKeys = %v, want none", second.FailedGroupKeys)
	}

	// Duplicates leave the group partially applied, as a warning only.
	if fmt.Sprint(second.PartialGroupKeys) != fmt.Sprint([]string{tagPriority}) {
		t.Errorf("second PartialGroupKeys = %v, want [%s]", second.PartialGroupKeys, tagPriority)
	}
	if len(second.Warnings) != 150 || len(second.LineErrors) != 0 {
		t.Errorf("second warnings=%d errors=%d, want 150/0", len(second.Warnings), len(second.LineErrors))
	}
	if second.HasFailures() {
		t.Error("second HasFailures() = true, want false for a rerun")
	}

	if got := stack.mock.AssignmentCount(); got != 150 {
		t.Errorf("assignments = %d, want 150", got)
	}
}

func TestRun_PartialSuccess(t *testing.T) {
	stack := newTestStack(t)

	records := []Record{
		{FormID: formID(1), SchoolID: schoolID(1), Tag: tagPriority, TagIsID: true, Line: 2},
		{FormID: formID(2), SchoolID: schoolID(2), Tag: tagUnknown, TagIsID: true, Line: 3},
		{FormID: formID(3), SchoolID: schoolID(3), Tag: tagPriority, TagIsID: true, Line: 4},
	}

	summary, err := stack.engine.Run(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Groups) != 2 {
		t.Fatalf("Groups = %d, want 2", len(summary.Groups))
	}

	byKey := map[string]GroupResult{}
	for _, g := range summary.Groups {
		byKey[g.GroupKey] = g
	}

	valid := byKey[tagPriority]
	if !valid.FullyApplied || valid.Affected != 2 || valid.Requested != 2 {
		t.Errorf("valid group = %+v, want fully applied 2/2", valid)
	}

	missing := byKey[tagUnknown]
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown group status = %d, want 404", missing.StatusCode)
	}
	if missing.Err == nil {
		t.Error("unknown group Err = nil")
	}

	if summary.InsertedTotal != 2 {
		t.Errorf("InsertedTotal = %d, want 2", summary.InsertedTotal)
	}
	if fmt.Sprint(summary.FailedGroupKeys) != fmt.Sprint([]string{tagUnknown}) {
		t.Errorf("FailedGroupKeys = %v, want [%s]", summary.FailedGroupKeys, tagUnknown)
	}
	if len(summary.LineErrors) != 1 || summary.LineErrors[0].Line != 3 {
		t.Errorf("LineErrors = %+v, want one error on line 3", summary.LineErrors)
	}
	if got := summary.FullyAppliedGroupKeys(); len(got) != 1 || got[0] != tagPriority {
		t.Errorf("FullyAppliedGroupKeys() = %v, want [%s]", got, tagPriority)
	}
}

func TestRun_ResponseOrderDiffersFromRequest(t *testing.T) {
	stack := newTestStack(t)
	stack.mock.ReverseGroups = true
	stack.mock.StatusAsString = true

	// 5 Priority, 3 Sibling, 2 Staff Child, interleaved.
	var records []Record
	tags := []string{"Priority", "Sibling", "Priority", "Staff Child", "Priority", "Sibling", "Priority", "Staff Child", "Priority", "Sibling"}
	for i, tag := range tags {
		records = append(records, Record{FormID: formID(i), SchoolID: schoolID(i), Tag: tag, Line: i + 2})
	}

	summary, err := stack.engine.Run(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[string]int{tagPriority: 5, tagSibling: 3, tagStaff: 2}
	for _, g := range summary.Groups {
		if g.Requested != want[g.GroupKey] || g.Affected != want[g.GroupKey] {
			t.Errorf("group %s requested=%d affected=%d, want %d", g.GroupKey, g.Requested, g.Affected, want[g.GroupKey])
		}
		if !g.FullyApplied || g.StatusCode != http.StatusOK {
			t.Errorf("group %s = %+v, want fully applied 200", g.GroupKey, g)
		}
	}
	if summary.InsertedTotal != 10 {
		t.Errorf("InsertedTotal = %d, want 10", summary.InsertedTotal)
	}
}

func TestRun_Chunking(t *testing.T) {
	stack := newTestStack(t)

	summary, err := stack.engine.Run(context.Background(), makeRecords(250, "Priority", "Sibling"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Chunks != 3 || summary.ChunksSubmitted != 3 {
		t.Errorf("Chunks = %d submitted = %d, want 3/3", summary.Chunks, summary.ChunksSubmitted)
	}

	var sizes []int
	var lines []int
	for _, body := range stack.mock.BatchBodies() {
		var req batchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode batch body: %v", err)
		}
		sizes = append(sizes, len(req.Operations))
		for _, op := range req.Operations {
			var n int
			fmt.Sscanf(op.FormID[len(op.FormID)-12:], "%d", &n)
			lines = append(lines, n)
		}
	}
	if fmt.Sprint(sizes) != "[100 100 50]" {
		t.Errorf("chunk sizes = %v, want [100 100 50]", sizes)
	}
	for i, n := range lines {
		if n != i {
			t.Fatalf("operation %d is record %d, want input order", i, n)
		}
	}
	if summary.InsertedTotal != 250 {
		t.Errorf("InsertedTotal = %d, want 250", summary.InsertedTotal)
	}
}

func TestRun_DryRun(t *testing.T) {
	stack := newTestStack(t)

	records := makeRecords(120, "Priority")
	records = append(records, Record{FormID: "not-a-uuid", SchoolID: schoolID(1), Tag: "Priority", Line: 500})

	summary, err := stack.engine.Run(context.Background(), records, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.PlannedTotal != 120 {
		t.Errorf("PlannedTotal = %d, want 120", summary.PlannedTotal)
	}
	if summary.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", summary.Chunks)
	}
	if summary.ChunksSubmitted != 0 || summary.InsertedTotal != 0 {
		t.Errorf("dry run submitted %d chunks, inserted %d", summary.ChunksSubmitted, summary.InsertedTotal)
	}
	if len(summary.LineErrors) != 1 || summary.LineErrors[0].Line != 500 {
		t.Errorf("LineErrors = %+v, want invalid UUID on line 500", summary.LineErrors)
	}
	if got := len(stack.mock.BatchBodies()); got != 0 {
		t.Errorf("batch submissions = %d, want 0", got)
	}
	if got := stack.mock.TokenCount(); got != 1 {
		t.Errorf("token exchanges = %d, want 1 (dry run still authenticates)", got)
	}
}

func TestRun_RemoveMode(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()
	records := makeRecords(30, "Priority", "Sibling")

	if _, err := stack.engine.Run(ctx, records, Options{Mode: ModeAdd}); err != nil {
		t.Fatalf("add Run() error = %v", err)
	}

	removed, err := stack.engine.Run(ctx, records, Options{Mode: ModeRemove})
	if err != nil {
		t.Fatalf("remove Run() error = %v", err)
	}
	if removed.InsertedTotal != 30 {
		t.Errorf("removed = %d, want 30", removed.InsertedTotal)
	}
	if got := len(stack.mock.RequestsTo(http.MethodDelete, BatchPath)); got != 1 {
		t.Errorf("DELETE batch requests = %d, want 1", got)
	}
	if got := stack.mock.AssignmentCount(); got != 0 {
		t.Errorf("assignments after remove = %d, want 0", got)
	}

	again, err := stack.engine.Run(ctx, records, Options{Mode: ModeRemove})
	if err != nil {
		t.Fatalf("second remove Run() error = %v", err)
	}
	if again.InsertedTotal != 0 || again.AlreadyPresentTotal != 30 {
		t.Errorf("second remove = %d removed / %d absent, want 0/30", again.InsertedTotal, again.AlreadyPresentTotal)
	}
}

func TestRun_SequentialMode(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	records := makeRecords(4, "Priority")
	records = append(records, Record{FormID: formID(9), SchoolID: schoolID(9), Tag: tagUnknown, TagIsID: true, Line: 99})

	summary, err := stack.engine.Run(ctx, records, Options{Sequential: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.InsertedTotal != 4 {
		t.Errorf("InsertedTotal = %d, want 4", summary.InsertedTotal)
	}
	if got := len(stack.mock.BatchBodies()); got != 0 {
		t.Errorf("batch submissions = %d, want 0", got)
	}

	single := 0
	for _, r := range stack.mock.Requests() {
		if r.Method == http.MethodPost && strings.HasPrefix(r.Path, "/tags/forms/") {
			single++
		}
	}
	if single != 5 {
		t.Errorf("single requests = %d, want 5", single)
	}
	if fmt.Sprint(summary.FailedGroupKeys) != fmt.Sprint([]string{tagUnknown}) {
		t.Errorf("FailedGroupKeys = %v, want unknown tag", summary.FailedGroupKeys)
	}
	if len(summary.LineErrors) != 1 || summary.LineErrors[0].Line != 99 {
		t.Errorf("LineErrors = %+v, want one on line 99", summary.LineErrors)
	}

	again, err := stack.engine.Run(ctx, records[:4], Options{Sequential: true})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if again.AlreadyPresentTotal != 4 || again.InsertedTotal != 0 {
		t.Errorf("second run inserted=%d already=%d, want 0/4", again.InsertedTotal, again.AlreadyPresentTotal)
	}
	if fmt.Sprint(again.PartialGroupKeys) != fmt.Sprint([]string{tagPriority}) || len(again.Warnings) != 4 {
		t.Errorf("second run partial=%v warnings=%d, want [%s]/4", again.PartialGroupKeys, len(again.Warnings), tagPriority)
	}
}

func TestRun_ChunkFailureContinues(t *testing.T) {
	stack := newTestStack(t)
	stack.mock.Script(http.MethodPost, BatchPath, testutil.MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":"invalid operations"}`,
	})

	summary, err := stack.engine.Run(context.Background(), makeRecords(150, "Priority"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateDone {
		t.Errorf("State = %s, want done", summary.State)
	}
	if summary.InsertedTotal != 50 {
		t.Errorf("InsertedTotal = %d, want 50 from the second chunk", summary.InsertedTotal)
	}
	if len(summary.LineErrors) != 100 {
		t.Errorf("LineErrors = %d, want 100", len(summary.LineErrors))
	}
	if fmt.Sprint(summary.FailedGroupKeys) != fmt.Sprint([]string{tagPriority}) {
		t.Errorf("FailedGroupKeys = %v, want [%s]", summary.FailedGroupKeys, tagPriority)
	}
	if summary.Groups[0].StatusCode != http.StatusBadRequest {
		t.Errorf("failed group status = %d, want 400", summary.Groups[0].StatusCode)
	}
}

func TestRun_RetryExhaustedChunkContinues(t *testing.T) {
	stack := newTestStack(t)
	for i := 0; i < 5; i++ {
		stack.mock.Script(http.MethodPost, BatchPath, testutil.NewServerErrorResponse())
	}

	summary, err := stack.engine.Run(context.Background(), makeRecords(110, "Priority"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.InsertedTotal != 10 {
		t.Errorf("InsertedTotal = %d, want 10", summary.InsertedTotal)
	}
	if !errors.Is(summary.Groups[0].Err, client.ErrRetryExhausted) {
		t.Errorf("first group Err = %v, want ErrRetryExhausted", summary.Groups[0].Err)
	}
}

func TestRun_AuthenticationFailureIsFatal(t *testing.T) {
	stack := newTestStack(t)
	stack.mock.FailTokenExchanges(testutil.MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"access_denied","error_description":"Unauthorized"}`,
	})

	summary, err := stack.engine.Run(context.Background(), makeRecords(10, "Priority"), Options{})
	if !auth.IsAuthenticationError(err) {
		t.Fatalf("Run() error = %v, want AuthenticationError", err)
	}
	if summary.State != StateFatal {
		t.Errorf("State = %s, want fatal", summary.State)
	}
	if got := len(stack.mock.Requests()); got != 0 {
		t.Errorf("API requests = %d, want 0", got)
	}
}

func TestRun_UnauthorizedMidRunIsFatal(t *testing.T) {
	stack := newTestStack(t)
	stack.mock.Script(http.MethodPost, BatchPath,
		testutil.NewUnauthorizedResponse(),
		testutil.NewUnauthorizedResponse(),
	)

	summary, err := stack.engine.Run(context.Background(), makeRecords(150, "Priority"), Options{})
	if !auth.IsAuthenticationError(err) {
		t.Fatalf("Run() error = %v, want AuthenticationError", err)
	}
	if summary.State != StateFatal || summary.ChunksSubmitted != 0 {
		t.Errorf("State = %s submitted = %d, want fatal/0", summary.State, summary.ChunksSubmitted)
	}
}

func TestRun_CancelledBetweenChunks(t *testing.T) {
	stack := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	summary, err := stack.engine.Run(ctx, makeRecords(250, "Priority"), Options{
		Progress: func(done, total int) {
			if done == 1 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.ChunksSubmitted != 1 {
		t.Errorf("ChunksSubmitted = %d, want 1", summary.ChunksSubmitted)
	}
	if summary.InsertedTotal != 100 {
		t.Errorf("InsertedTotal = %d, want 100", summary.InsertedTotal)
	}
	if summary.State != StateFatal {
		t.Errorf("State = %s, want fatal", summary.State)
	}
}

func TestRun_ValidationErrors(t *testing.T) {
	stack := newTestStack(t)

	records := []Record{
		{FormID: formID(1), SchoolID: schoolID(1), Tag: "Unknown Tag", Line: 4},
		{FormID: "bad", SchoolID: schoolID(1), Tag: "Priority", Line: 2},
		{FormID: formID(3), SchoolID: "also-bad", Tag: "Priority", Line: 3},
		{FormID: formID(4), SchoolID: schoolID(4), Tag: "PRIORITY", Line: 5},
	}

	summary, err := stack.engine.Run(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.PlannedTotal != 1 || summary.InsertedTotal != 1 {
		t.Errorf("planned=%d inserted=%d, want 1/1", summary.PlannedTotal, summary.InsertedTotal)
	}

	want := []LineError{
		{Line: 2, Message: "Invalid UUID in Form ID: bad"},
		{Line: 3, Message: "Invalid UUID in School ID: also-bad"},
		{Line: 4, Message: "Tag not found: Unknown Tag"},
	}
	if len(summary.LineErrors) != len(want) {
		t.Fatalf("LineErrors = %+v, want %+v", summary.LineErrors, want)
	}
	for i := range want {
		if summary.LineErrors[i] != want[i] {
			t.Errorf("LineErrors[%d] = %+v, want %+v", i, summary.LineErrors[i], want[i])
		}
	}
}

func TestRun_PartiallyAppliedGroup(t *testing.T) {
	stack := newTestStack(t)
	stack.mock.PartialApply = true

	summary, err := stack.engine.Run(context.Background(), makeRecords(3, "Sibling"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fmt.Sprint(summary.PartialGroupKeys) != fmt.Sprint([]string{tagSibling}) {
		t.Errorf("PartialGroupKeys = %v, want [%s]", summary.PartialGroupKeys, tagSibling)
	}
	if len(summary.Warnings) != 3 || len(summary.LineErrors) != 0 {
		t.Errorf("warnings=%d errors=%d, want 3/0", len(summary.Warnings), len(summary.LineErrors))
	}
	if summary.HasFailures() {
		t.Error("HasFailures() = true for a partially applied group")
	}
	if got := summary.FullyAppliedGroupKeys(); len(got) != 0 {
		t.Errorf("FullyAppliedGroupKeys() = %v, want none", got)
	}
}

func TestRun_PartialWithoutFullyAppliedFlag(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantPartial bool
	}{
		{
			name:        "flag absent and rows short",
			body:        `{"responses":[{"status":200,"tag_id":"` + tagPriority + `","affected_rows":1,"requested":2}]}`,
			wantPartial: true,
		},
		{
			name:        "flag absent and every row applied",
			body:        `{"responses":[{"status":200,"tag_id":"` + tagPriority + `","affected_rows":2,"requested":2}]}`,
			wantPartial: false,
		},
		{
			name:        "flag true but rows short",
			body:        `{"responses":[{"status":200,"tag_id":"` + tagPriority + `","affected_rows":1,"requested":2,"fully_applied":true}]}`,
			wantPartial: true,
		},
		{
			name:        "flag false with every row applied",
			body:        `{"responses":[{"status":200,"tag_id":"` + tagPriority + `","affected_rows":2,"requested":2,"fully_applied":false}]}`,
			wantPartial: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptedExecutor{bodies: []string{tt.body}}
			engine, err := NewEngine(Config{Executor: exec, Resolver: mapResolver{"priority": tagPriority}, Logger: zerolog.Nop()})
			if err != nil {
				t.Fatalf("NewEngine() error = %v", err)
			}

			summary, err := engine.Run(context.Background(), makeRecords(2, "Priority"), Options{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := len(summary.PartialGroupKeys) == 1; got != tt.wantPartial {
				t.Errorf("partial = %v, want %v (PartialGroupKeys = %v)", got, tt.wantPartial, summary.PartialGroupKeys)
			}
			if summary.Groups[0].FullyApplied == tt.wantPartial {
				t.Errorf("FullyApplied = %v, want %v", summary.Groups[0].FullyApplied, !tt.wantPartial)
			}
			if tt.wantPartial && len(summary.Warnings) != 2 {
				t.Errorf("Warnings = %d, want 2", len(summary.Warnings))
			}
			if len(summary.FailedGroupKeys) != 0 || len(summary.LineErrors) != 0 {
				t.Errorf("failed=%v errors=%v, want none", summary.FailedGroupKeys, summary.LineErrors)
			}
		})
	}
}

func TestRun_EmptyInput(t *testing.T) {
	stack := newTestStack(t)

	summary, err := stack.engine.Run(context.Background(), nil, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.State != StateDone || summary.Chunks != 0 {
		t.Errorf("summary = %+v, want done with no chunks", summary)
	}
	if summary.HasFailures() {
		t.Error("HasFailures() = true for empty input")
	}
}

func TestRun_UnknownMode(t *testing.T) {
	stack := newTestStack(t)
	summary, err := stack.engine.Run(context.Background(), nil, Options{Mode: "toggle"})
	if err == nil || summary.State != StateFatal {
		t.Errorf("Run() = %v, %s, want error and fatal", err, summary.State)
	}
}

// scriptedExecutor returns canned batch responses in order.
type scriptedExecutor struct {
	bodies []string
	calls  int
}

func (s *scriptedExecutor) Execute(_ context.Context, req *client.Request) (*client.Response, error) {
	body := s.bodies[s.calls]
	s.calls++
	return &client.Response{StatusCode: http.StatusMultiStatus, Body: []byte(body)}, nil
}

func TestRun_ServerErrorGroupWithAffectedRows(t *testing.T) {
	exec := &scriptedExecutor{bodies: []string{
		`{"responses":[{"status":500,"tag_id":"` + tagPriority + `","affected_rows":3,"requested":5,"message":"timeout"}]}`,
	}}
	engine, err := NewEngine(Config{Executor: exec, Resolver: mapResolver{"priority": tagPriority}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	summary, err := engine.Run(context.Background(), makeRecords(5, "Priority"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.InsertedTotal != 3 {
		t.Errorf("InsertedTotal = %d, want 3", summary.InsertedTotal)
	}
	if fmt.Sprint(summary.PartialGroupKeys) != fmt.Sprint([]string{tagPriority}) {
		t.Errorf("PartialGroupKeys = %v, want [%s]", summary.PartialGroupKeys, tagPriority)
	}
	if len(summary.FailedGroupKeys) != 0 {
		t.Errorf("FailedGroupKeys = %v, want none", summary.FailedGroupKeys)
	}
	if len(summary.LineErrors) != 5 {
		t.Errorf("LineErrors = %d, want 5", len(summary.LineErrors))
	}
}

func TestRun_GroupMissingFromResponse(t *testing.T) {
	exec := &scriptedExecutor{bodies: []string{
		`{"responses":[{"status":"200","tag_id":"` + tagPriority + `","affected_rows":1,"requested":1,"fully_applied":true}]}`,
	}}
	engine, _ := NewEngine(Config{
		Executor: exec,
		Resolver: mapResolver{"priority": tagPriority, "sibling": tagSibling},
		Logger:   zerolog.Nop(),
	})

	summary, err := engine.Run(context.Background(), makeRecords(2, "Priority", "Sibling"), Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.InsertedTotal != 1 {
		t.Errorf("InsertedTotal = %d, want 1", summary.InsertedTotal)
	}
	if fmt.Sprint(summary.FailedGroupKeys) != fmt.Sprint([]string{tagSibling}) {
		t.Errorf("FailedGroupKeys = %v, want [%s]", summary.FailedGroupKeys, tagSibling)
	}
}

func TestPartition(t *testing.T) {
	ops := make([]Operation, 250)
	for i := range ops {
		ops[i] = Operation{Line: i}
	}

	chunks := Partition(ops, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, want := range []int{100, 100, 50} {
		if chunks[i].Index != i {
			t.Errorf("chunk %d Index = %d", i, chunks[i].Index)
		}
		if len(chunks[i].Operations) != want {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunks[i].Operations), want)
		}
	}
	if chunks[1].Operations[0].Line != 100 {
		t.Errorf("chunk 1 starts at line %d, want 100", chunks[1].Operations[0].Line)
	}

	if got := Partition(nil, 100); len(got) != 0 {
		t.Errorf("Partition(nil) = %d chunks, want 0", len(got))
	}
}

func TestOperation_Keys(t *testing.T) {
	op := Operation{FormID: "f", SchoolID: "s", TagID: "t"}
	if op.SubjectKey() != "f/s" {
		t.Errorf("SubjectKey() = %q", op.SubjectKey())
	}
	if op.GroupKey() != "t" {
		t.Errorf("GroupKey() = %q", op.GroupKey())
	}
}
