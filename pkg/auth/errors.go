package auth

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned when the client id or secret is empty.
var ErrMissingCredentials = errors.New("client id and client secret are required")

// AuthenticationError reports a token exchange that cannot succeed by
// retrying: bad credentials, wrong audience or a malformed token response.
type AuthenticationError struct {
	Environment string
	StatusCode  int
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed (environment %q", e.Environment)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err wraps an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
