package avela

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/avela-client/pkg/client"
	"github.com/google/go-querystring/query"
)

// MaxFilesFormIDs is the number of form ids the files endpoint accepts per
// request.
const MaxFilesFormIDs = 100

// File is one uploaded document of a FileUpload question.
type File struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
}

// FileQuestion is a FileUpload question and its uploaded files.
type FileQuestion struct {
	ID    string
	Key   string
	Files []File
}

// FormFiles is the per-form result of a files request. Err is set when the
// server reported a non-200 status for the form.
type FormFiles struct {
	FormID     string
	StatusCode int
	Questions  []FileQuestion
	Err        error
}

type formFilesQuery struct {
	FormIDs []string `url:"form_id,comma"`
}

type formFilesResponse struct {
	Responses []struct {
		Status  json.RawMessage `json:"status"`
		FormID  string          `json:"form_id"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Form    struct {
			ID        string `json:"id"`
			Questions []struct {
				ID     string `json:"id"`
				Key    string `json:"key"`
				Type   string `json:"type"`
				Answer struct {
					Files []File `json:"files"`
				} `json:"answer"`
			} `json:"questions"`
		} `json:"form"`
	} `json:"responses"`
}

// Files fetches the FileUpload questions of formIDs with pre-signed download
// URLs, MaxFilesFormIDs ids per request. The endpoint answers 207 with one
// entry per form; a failed form does not fail the others.
func (f *Forms) Files(ctx context.Context, formIDs []string) ([]FormFiles, error) {
	var out []FormFiles
	for start := 0; start < len(formIDs); start += MaxFilesFormIDs {
		end := min(start+MaxFilesFormIDs, len(formIDs))
		page, err := f.files(ctx, formIDs[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (f *Forms) files(ctx context.Context, formIDs []string) ([]FormFiles, error) {
	values, err := query.Values(formFilesQuery{FormIDs: formIDs})
	if err != nil {
		return nil, fmt.Errorf("encode files query: %w", err)
	}

	resp, err := f.exec.Execute(ctx, &client.Request{
		Method: http.MethodGet,
		Path:   "/forms/files",
		Query:  values,
	})
	if err != nil {
		return nil, fmt.Errorf("get files of %d forms: %w", len(formIDs), err)
	}

	var body formFilesResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}

	out := make([]FormFiles, 0, len(body.Responses))
	for _, r := range body.Responses {
		status, _ := strconv.Atoi(strings.Trim(string(r.Status), `" `))
		result := FormFiles{FormID: r.Form.ID, StatusCode: status}
		if result.FormID == "" {
			result.FormID = r.FormID
		}

		if status != http.StatusOK {
			msg := r.Message
			if msg == "" {
				msg = r.Error
			}
			result.Err = fmt.Errorf("form %s: status %d: %s", result.FormID, status, msg)
			out = append(out, result)
			continue
		}

		for _, q := range r.Form.Questions {
			if q.Type != QuestionFileUpload || len(q.Answer.Files) == 0 {
				continue
			}
			key := q.Key
			if key == "" {
				key = q.ID
			}
			result.Questions = append(result.Questions, FileQuestion{ID: q.ID, Key: key, Files: q.Answer.Files})
		}
		out = append(out, result)
	}
	return out, nil
}

// WriteFilesCSV writes one row per uploaded file of the successful forms.
func WriteFilesCSV(w io.Writer, forms []FormFiles) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"form_id", "question_key", "file_id", "filename", "status", "download_url"}); err != nil {
		return err
	}
	for _, form := range forms {
		if form.Err != nil {
			continue
		}
		for _, q := range form.Questions {
			for _, file := range q.Files {
				row := []string{form.FormID, q.Key, file.ID, file.Filename, file.Status, file.DownloadURL}
				if err := cw.Write(row); err != nil {
					return err
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
