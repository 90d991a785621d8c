package client

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{400, ErrorClassClient},
		{401, ErrorClassAuth},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{200, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"rate limit uses its own path", ErrorClassRateLimit, false},
		{"auth uses its own path", ErrorClassAuth, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{
		Method:     "GET",
		Path:       "/forms/x",
		StatusCode: 404,
		Body:       []byte(`{"error":"form not found"}`),
	}

	want := `avela GET /forms/x: status 404: {"error":"form not found"}`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAPIError_TruncatesBody(t *testing.T) {
	err := &APIError{Method: "GET", Path: "/x", StatusCode: 400, Body: []byte(strings.Repeat("a", 500))}
	if got := err.Error(); !strings.HasSuffix(got, "...") {
		t.Errorf("Error() = %q, want truncated body", got)
	}
}

func TestRequestFailedError_Unwrap(t *testing.T) {
	cause := errors.New("status 503")
	err := &RequestFailedError{
		Method:     "POST",
		Path:       "/tags/schools/batch",
		Attempts:   5,
		LastStatus: 503,
		Err:        cause,
	}

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("errors.Is(err, ErrRetryExhausted) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}

	want := "avela POST /tags/schools/batch failed after 5 attempts (last status 503): status 503"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := fmt.Errorf("submit chunk: %w", err)
	if got := StatusCode(wrapped); got != 503 {
		t.Errorf("StatusCode() = %d, want 503", got)
	}
}
