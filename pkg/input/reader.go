// Package input reads the CSV or XLSX files the bulk commands work from.
//
// Tag mutation columns (header names are matched case-insensitively):
//   - Form ID (or App ID)
//   - School ID
//   - Tag Name or Tag ID
//
// Offer updates need offer_id and action, question updates need form_id,
// question_key and answer_value with an optional question_type.
package input

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/avela-client/pkg/batch"
	"github.com/xuri/excelize/v2"
)

// ErrInvalidInput is returned when a file cannot be used at all.
var ErrInvalidInput = errors.New("invalid input")

// Options selects a window of data rows.
type Options struct {
	// StartRow skips this many data rows.
	StartRow int

	// Limit caps the number of records (0 = all).
	Limit int
}

// ReadFile reads records from a .csv or .xlsx file.
func ReadFile(path string, opts Options) ([]batch.Record, error) {
	rows, err := readRowsFile(path)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, opts)
}

// ReadCSV reads records from CSV data with a header row.
func ReadCSV(r io.Reader, opts Options) ([]batch.Record, error) {
	rows, err := csvRows(r)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, opts)
}

// ReadXLSX reads records from the first sheet of a workbook.
func ReadXLSX(r io.Reader, opts Options) ([]batch.Record, error) {
	rows, err := xlsxRows(r)
	if err != nil {
		return nil, err
	}
	return parseRows(rows, opts)
}

// readRowsFile loads every row of a .csv file or of the first sheet of a
// .xlsx file.
func readRowsFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csvRows(f)
	case ".xlsx":
		return xlsxRows(f)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q (want .csv or .xlsx)", ErrInvalidInput, filepath.Ext(path))
	}
}

func csvRows(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse csv: %w", ErrInvalidInput, err)
	}
	return rows, nil
}

func xlsxRows(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %w", ErrInvalidInput, err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidInput)
	}

	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %w", ErrInvalidInput, sheets[0], err)
	}
	return rows, nil
}

// headerIndex maps normalized header names to their first column. Names are
// upper-cased with underscores read as spaces, so "form_id" matches "Form ID".
func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		name = strings.ToUpper(strings.ReplaceAll(name, "_", " "))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func cell(row []string, i int) string {
	if i >= 0 && i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

// columns holds the header indices of the required columns.
type columns struct {
	form    int
	school  int
	tag     int
	tagIsID bool
}

func findColumns(header []string) (columns, error) {
	index := headerIndex(header)

	var c columns
	var ok bool
	if c.form, ok = index["FORM ID"]; !ok {
		if c.form, ok = index["APP ID"]; !ok {
			return c, fmt.Errorf(`%w: must have "Form ID" or "App ID" column`, ErrInvalidInput)
		}
	}
	if c.school, ok = index["SCHOOL ID"]; !ok {
		return c, fmt.Errorf(`%w: must have "School ID" column`, ErrInvalidInput)
	}
	if c.tag, ok = index["TAG NAME"]; !ok {
		if c.tag, ok = index["TAG ID"]; !ok {
			return c, fmt.Errorf(`%w: must have "Tag Name" or "Tag ID" column`, ErrInvalidInput)
		}
		c.tagIsID = true
	}
	return c, nil
}

func parseRows(rows [][]string, opts Options) ([]batch.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	cols, err := findColumns(rows[0])
	if err != nil {
		return nil, err
	}

	var records []batch.Record
	for idx, row := range rows[1:] {
		if idx < opts.StartRow {
			continue
		}
		if opts.Limit > 0 && len(records) >= opts.Limit {
			break
		}
		if blank(row) {
			continue
		}

		records = append(records, batch.Record{
			FormID:   cell(row, cols.form),
			SchoolID: cell(row, cols.school),
			Tag:      cell(row, cols.tag),
			TagIsID:  cols.tagIsID,
			// 1-based, plus the header row.
			Line: idx + 2,
		})
	}
	return records, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
