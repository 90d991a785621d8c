package avela

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/Sternrassler/avela-client/pkg/pagination"
	"github.com/google/go-querystring/query"
)

// Applicant is one applicant record with every field the API returned.
type Applicant map[string]any

// ApplicantQuery filters the applicant collection.
type ApplicantQuery struct {
	ReferenceIDs []string `url:"reference_id,omitempty"`
}

// Applicants reads applicants.
type Applicants struct {
	pager *pagination.Paginator
}

// All fetches every applicant matching q, one page of up to 1000 at a time.
func (a *Applicants) All(ctx context.Context, q ApplicantQuery) ([]Applicant, error) {
	values, err := query.Values(q)
	if err != nil {
		return nil, fmt.Errorf("encode applicant query: %w", err)
	}
	return pagination.Collect[Applicant](ctx, a.pager, "/applicants", "applicants", values)
}

// preferredColumns come first in exports; other fields follow alphabetically.
var preferredColumns = []string{
	"reference_id",
	"first_name",
	"middle_name",
	"last_name",
	"birth_date",
	"email_address",
	"phone_number",
	"street_address",
	"street_address_line_2",
	"city",
	"state",
	"zip_code",
	"preferred_language",
	"email_okay",
	"sms_okay",
	"active",
	"person_type",
	"created_at",
	"updated_at",
	"deleted_at",
	"id",
}

// WriteApplicantsCSV writes applicants as CSV with a header row covering the
// union of all fields.
func WriteApplicantsCSV(w io.Writer, applicants []Applicant) error {
	fields := make(map[string]bool)
	for _, a := range applicants {
		for k := range a {
			fields[k] = true
		}
	}

	var header []string
	for _, col := range preferredColumns {
		if fields[col] {
			header = append(header, col)
			delete(fields, col)
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	header = append(header, rest...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, a := range applicants {
		for i, col := range header {
			row[i] = formatValue(a[col])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
