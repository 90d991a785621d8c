package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failed attempts.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 401 and 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 quota rejections.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors and transient
	// token exchange failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"
)

// classifyStatus maps a non-2xx status code to its class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried with backoff.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// 429 and 401 have their own paths; other 4xx are caller defects.
		return false
	}
}

// APIError is a non-retried 4xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("avela %s %s: status %d", e.Method, e.Path, e.StatusCode)
	if len(e.Body) > 0 {
		msg += ": " + truncate(string(e.Body), 200)
	}
	return msg
}

// RequestFailedError is returned when a request still fails after the retry
// budget is spent. It carries the last observed status and body.
type RequestFailedError struct {
	Method     string
	Path       string
	Attempts   int
	LastStatus int
	LastBody   []byte
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *RequestFailedError) Error() string {
	msg := fmt.Sprintf("avela %s %s failed after %d attempts", e.Method, e.Path, e.Attempts)
	if e.LastStatus != 0 {
		msg += fmt.Sprintf(" (last status %d)", e.LastStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrRetryExhausted and the last underlying error.
func (e *RequestFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.Err}
}

// StatusCode extracts the HTTP status carried by an *APIError or
// *RequestFailedError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var failedErr *RequestFailedError
	if errors.As(err, &failedErr) {
		return failedErr.LastStatus
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
