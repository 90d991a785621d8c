package avela

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog"
)

// Tag is a form/school tag of an enrollment period.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tags reads tags and applies single tag mutations.
type Tags struct {
	exec   Executor
	logger zerolog.Logger
}

type tagListQuery struct {
	EnrollmentPeriodID string `url:"enrollment_period_id,omitempty"`
}

// List returns the tags of an enrollment period.
func (t *Tags) List(ctx context.Context, enrollmentPeriodID string) ([]Tag, error) {
	values, err := query.Values(tagListQuery{EnrollmentPeriodID: enrollmentPeriodID})
	if err != nil {
		return nil, fmt.Errorf("encode tag query: %w", err)
	}

	resp, err := t.exec.Execute(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   "/tags",
		Query:  values,
	})
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	var out struct {
		Tags []Tag `json:"tags"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}

	t.logger.Debug().
		Str("enrollment_period_id", enrollmentPeriodID).
		Int("tags", len(out.Tags)).
		Msg("Fetched tags")

	return out.Tags, nil
}

type tagMutation struct {
	TagID string `json:"tag_id"`
}

type mutationResult struct {
	AffectedRows int `json:"affected_rows"`
}

// AddToFormSchool tags one form/school pair. It returns the affected row
// count: 0 means the tag was already present.
func (t *Tags) AddToFormSchool(ctx context.Context, formID, schoolID, tagID string) (int, error) {
	return t.mutate(ctx, http.MethodPost, formID, schoolID, tagID)
}

// RemoveFromFormSchool untags one form/school pair. It returns the affected
// row count: 0 means the tag was not present.
func (t *Tags) RemoveFromFormSchool(ctx context.Context, formID, schoolID, tagID string) (int, error) {
	return t.mutate(ctx, http.MethodDelete, formID, schoolID, tagID)
}

func (t *Tags) mutate(ctx context.Context, method, formID, schoolID, tagID string) (int, error) {
	resp, err := t.exec.Execute(ctx, &client.Request{
		Method: method,
		Path:   "/tags/forms/" + formID + "/schools/" + schoolID,
		Body:   tagMutation{TagID: tagID},
	})
	if err != nil {
		if client.IsNotFound(err) {
			return 0, fmt.Errorf("form %s, school %s or tag %s: %w", formID, schoolID, tagID, ErrNotFound)
		}
		return 0, err
	}

	var out mutationResult
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	return out.AffectedRows, nil
}
