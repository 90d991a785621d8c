package batch

import (
	"encoding/json"
	"testing"
)

func TestDecodeGroups(t *testing.T) {
	body := `{"responses":[
		{"status":"404","tag_id":"b","affected_rows":0,"requested":2,"fully_applied":false,"error":"tag not found"},
		{"status":200,"tag_id":"a","affected_rows":3,"requested":5,"fully_applied":true},
		{"status":200,"tag_id":"c","affected_rows":1}
	]}`

	got, err := decodeGroups([]byte(body))
	if err != nil {
		t.Fatalf("decodeGroups() error = %v", err)
	}

	tests := []struct {
		key      string
		status   int
		affected int
		fully    bool
		message  string
	}{
		{"a", 200, 3, true, ""},
		{"b", 404, 0, false, "tag not found"},
		{"c", 200, 1, true, ""},
	}
	for _, tt := range tests {
		o, ok := got[tt.key]
		if !ok {
			t.Errorf("group %q missing", tt.key)
			continue
		}
		if o.status != tt.status || o.affected != tt.affected || o.fullyApplied != tt.fully || o.message != tt.message {
			t.Errorf("group %q = %+v, want status=%d affected=%d fully=%v message=%q",
				tt.key, o, tt.status, tt.affected, tt.fully, tt.message)
		}
	}
}

func TestDecodeGroups_Invalid(t *testing.T) {
	tests := []string{
		`not json`,
		`{"responses":[{"status":"OK","tag_id":"a"}]}`,
		`{"responses":[{"status":true,"tag_id":"a"}]}`,
	}
	for _, body := range tests {
		if _, err := decodeGroups([]byte(body)); err == nil {
			t.Errorf("decodeGroups(%s) error = nil, want error", body)
		}
	}
}

func TestDecodeGroups_RepeatedKeySummed(t *testing.T) {
	body := `{"responses":[
		{"status":200,"tag_id":"a","affected_rows":2,"fully_applied":true},
		{"status":200,"tag_id":"a","affected_rows":1,"fully_applied":false}
	]}`

	got, err := decodeGroups([]byte(body))
	if err != nil {
		t.Fatalf("decodeGroups() error = %v", err)
	}
	if a := got["a"]; a.affected != 3 || a.fullyApplied {
		t.Errorf("group a = %+v, want affected 3 not fully applied", a)
	}
}

func TestNewBatchRequest_WireShape(t *testing.T) {
	req := newBatchRequest([]Operation{{FormID: "f", SchoolID: "s", TagID: "t", Line: 9}})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"operations":[{"form_id":"f","school_id":"s","tag_id":"t"}]}`
	if string(data) != want {
		t.Errorf("body = %s, want %s", data, want)
	}
}

func TestSinglePath(t *testing.T) {
	got := singlePath(Operation{FormID: "f1", SchoolID: "s1"})
	if got != "/tags/forms/f1/schools/s1" {
		t.Errorf("singlePath() = %q", got)
	}
}
