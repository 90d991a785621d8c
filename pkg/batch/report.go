package batch

import (
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MaxReportedErrors is how many line errors (and, separately, warnings)
// WriteReport prints before collapsing the rest into a count.
const MaxReportedErrors = 20

// WriteReport renders s for a terminal.
func WriteReport(w io.Writer, s *RunSummary) error {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	b.WriteString("\nResults:\n")
	switch {
	case s.DryRun:
		label := "Would insert"
		if s.Mode == ModeRemove {
			label = "Would delete"
		}
		p.Fprintf(&b, "  %s: %d\n", label, s.PlannedTotal)
		p.Fprintf(&b, "  Validation errors: %d\n", len(s.LineErrors))
	case s.Mode == ModeRemove:
		p.Fprintf(&b, "  Deleted: %d\n", s.InsertedTotal)
		p.Fprintf(&b, "  Not found (already removed): %d\n", s.AlreadyPresentTotal)
		p.Fprintf(&b, "  Errors: %d\n", len(s.LineErrors))
	default:
		p.Fprintf(&b, "  Inserted: %d\n", s.InsertedTotal)
		p.Fprintf(&b, "  Already existed: %d\n", s.AlreadyPresentTotal)
		p.Fprintf(&b, "  Errors: %d\n", len(s.LineErrors))
	}

	if !s.DryRun {
		p.Fprintf(&b, "  Chunks submitted: %d/%d\n", s.ChunksSubmitted, s.Chunks)
	}
	if applied := s.FullyAppliedGroupKeys(); len(applied) > 0 {
		p.Fprintf(&b, "  Fully applied tags: %s\n", strings.Join(applied, ", "))
	}
	if len(s.PartialGroupKeys) > 0 {
		p.Fprintf(&b, "  Partially applied tags: %s\n", strings.Join(s.PartialGroupKeys, ", "))
	}
	if len(s.FailedGroupKeys) > 0 {
		p.Fprintf(&b, "  Failed tags: %s\n", strings.Join(s.FailedGroupKeys, ", "))
	}
	if s.State == StateFatal {
		b.WriteString("  Run stopped before completion\n")
	}

	if len(s.LineErrors) > 0 {
		b.WriteString("\nErrors:\n")
		for i, le := range s.LineErrors {
			if i == MaxReportedErrors {
				p.Fprintf(&b, "  ... and %d more errors\n", len(s.LineErrors)-MaxReportedErrors)
				break
			}
			p.Fprintf(&b, "  Line %s: %s\n", strconv.Itoa(le.Line), le.Message)
		}
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for i, le := range s.Warnings {
			if i == MaxReportedErrors {
				p.Fprintf(&b, "  ... and %d more warnings\n", len(s.Warnings)-MaxReportedErrors)
				break
			}
			p.Fprintf(&b, "  Line %s: %s\n", strconv.Itoa(le.Line), le.Message)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
