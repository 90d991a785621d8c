package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/avela-client/pkg/batch"
)

// OfferUpdate is one row of an offer status file.
type OfferUpdate struct {
	OfferID string
	// Action is "accept" or "decline".
	Action string
	Line   int
}

// QuestionUpdate is one row of a form question file.
type QuestionUpdate struct {
	FormID       string
	QuestionKey  string
	QuestionType string
	AnswerValue  string
	Line         int
}

// ReadOfferUpdates reads offer_id and action columns. Rows with a missing
// offer id or an action other than accept/decline are skipped and reported.
func ReadOfferUpdates(path string) ([]OfferUpdate, []batch.LineError, error) {
	rows, err := readRowsFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	index := headerIndex(rows[0])
	offerCol, ok := index["OFFER ID"]
	if !ok {
		return nil, nil, fmt.Errorf(`%w: must have "offer_id" column`, ErrInvalidInput)
	}
	actionCol, ok := index["ACTION"]
	if !ok {
		return nil, nil, fmt.Errorf(`%w: must have "action" column`, ErrInvalidInput)
	}

	var updates []OfferUpdate
	var skipped []batch.LineError
	for idx, row := range rows[1:] {
		line := idx + 2
		if blank(row) {
			continue
		}
		id := cell(row, offerCol)
		if id == "" {
			skipped = append(skipped, batch.LineError{Line: line, Message: "missing offer_id"})
			continue
		}
		action := strings.ToLower(cell(row, actionCol))
		if action != "accept" && action != "decline" {
			skipped = append(skipped, batch.LineError{Line: line, Message: fmt.Sprintf("invalid action %q", action)})
			continue
		}
		updates = append(updates, OfferUpdate{OfferID: id, Action: action, Line: line})
	}
	return updates, skipped, nil
}

// ReadQuestionUpdates reads form_id, question_key, answer_value and the
// optional question_type (default FreeText). Answer values keep their
// whitespace.
func ReadQuestionUpdates(path string) ([]QuestionUpdate, []batch.LineError, error) {
	rows, err := readRowsFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	index := headerIndex(rows[0])
	cols := make(map[string]int, 3)
	for _, name := range []string{"FORM ID", "QUESTION KEY", "ANSWER VALUE"} {
		i, ok := index[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: must have %q column", ErrInvalidInput, strings.ToLower(strings.ReplaceAll(name, " ", "_")))
		}
		cols[name] = i
	}
	typeCol, hasType := index["QUESTION TYPE"]
	if !hasType {
		typeCol = -1
	}

	var updates []QuestionUpdate
	var skipped []batch.LineError
	for idx, row := range rows[1:] {
		line := idx + 2
		if blank(row) {
			continue
		}
		u := QuestionUpdate{
			FormID:       cell(row, cols["FORM ID"]),
			QuestionKey:  cell(row, cols["QUESTION KEY"]),
			QuestionType: cell(row, typeCol),
			Line:         line,
		}
		if i := cols["ANSWER VALUE"]; i < len(row) {
			u.AnswerValue = row[i]
		}
		switch {
		case u.FormID == "":
			skipped = append(skipped, batch.LineError{Line: line, Message: "missing form_id"})
			continue
		case u.QuestionKey == "":
			skipped = append(skipped, batch.LineError{Line: line, Message: "missing question_key"})
			continue
		}
		if u.QuestionType == "" {
			u.QuestionType = "FreeText"
		}
		updates = append(updates, u)
	}
	return updates, skipped, nil
}

// ReadFormIDs reads one form id per line. Blank lines and lines starting
// with # are ignored.
func ReadFormIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer f.Close()
	return readFormIDs(f)
}

func readFormIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no form ids found", ErrInvalidInput)
	}
	return ids, nil
}
