package avela

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/avela-client/pkg/client"
)

// Question types with a dedicated answer shape. Any other type, Address
// included, is answered as free text.
const (
	QuestionFreeText     = "FreeText"
	QuestionEmail        = "Email"
	QuestionPhoneNumber  = "PhoneNumber"
	QuestionNumber       = "Number"
	QuestionDate         = "Date"
	QuestionSingleSelect = "SingleSelect"
	QuestionMultiSelect  = "MultiSelect"
	QuestionFileUpload   = "FileUpload"
)

var answerKeys = map[string]string{
	QuestionFreeText:     "free_text",
	QuestionEmail:        "email",
	QuestionPhoneNumber:  "phone_number",
	QuestionNumber:       "number",
	QuestionDate:         "date",
	QuestionSingleSelect: "single_select",
}

// QuestionAnswer sets the answer of one question, addressed by its key.
type QuestionAnswer struct {
	Key    string         `json:"key"`
	Type   string         `json:"type"`
	Answer map[string]any `json:"answer"`
}

// BuildAnswer shapes a raw string value into the answer object for
// questionType.
//
//	FreeText "x"       -> {"free_text": {"value": "x"}}
//	Number "4"         -> {"number": {"value": 4}}
//	MultiSelect "a, b" -> {"options": [{"value": "a"}, {"value": "b"}]}
func BuildAnswer(questionType, value string) map[string]any {
	switch questionType {
	case QuestionMultiSelect:
		options := []map[string]string{}
		if value != "" {
			for _, v := range strings.Split(value, ",") {
				options = append(options, map[string]string{"value": strings.TrimSpace(v)})
			}
		}
		return map[string]any{"options": options}

	case QuestionNumber:
		if n, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return map[string]any{"number": map[string]any{"value": n}}
		}
		return map[string]any{"number": map[string]any{"value": value}}
	}

	key, ok := answerKeys[questionType]
	if !ok {
		key = answerKeys[QuestionFreeText]
	}
	return map[string]any{key: map[string]any{"value": value}}
}

// UpdateQuestions answers questions of one form in a single request. A
// missing form returns an error wrapping ErrNotFound.
func (f *Forms) UpdateQuestions(ctx context.Context, formID string, questions []QuestionAnswer) error {
	if len(questions) == 0 {
		return nil
	}

	_, err := f.exec.Execute(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   "/forms/" + url.PathEscape(formID) + "/questions",
		Body: struct {
			Questions []QuestionAnswer `json:"questions"`
		}{questions},
	})
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("form %s: %w", formID, ErrNotFound)
		}
		return fmt.Errorf("update %d questions of form %s: %w", len(questions), formID, err)
	}
	return nil
}
