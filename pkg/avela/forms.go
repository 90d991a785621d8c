package avela

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/avela-client/pkg/client"
)

// Form is the part of a form record the tools need.
type Form struct {
	ID               string `json:"id"`
	EnrollmentPeriod struct {
		ID string `json:"id"`
	} `json:"enrollment_period"`
}

// Forms reads forms.
type Forms struct {
	exec Executor
}

// Get fetches one form. A missing form returns an error wrapping ErrNotFound.
func (f *Forms) Get(ctx context.Context, id string) (*Form, error) {
	resp, err := f.exec.Execute(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   "/forms/" + url.PathEscape(id),
	})
	if err != nil {
		if client.IsNotFound(err) {
			return nil, fmt.Errorf("form %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}

	var out struct {
		Form Form `json:"form"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out.Form, nil
}
