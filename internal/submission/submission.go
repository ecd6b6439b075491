// Package submission parses tabular answer exports uploaded for grading.
//
// Exports come from survey services with unpredictable leading columns
// (timestamps, durations, channel metadata). The parser finds the
// identifier column by a marker substring and the start of the question
// block either by a marker substring or by a "1. ..." style header, then
// slices a fixed number of answers per row.
package submission

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pavelanni/gradehub/internal/model"
)

// Default header markers, matching the wj.qq export format the system
// was built around.
const (
	DefaultIDMarker       = "Укажите Ваш ID"
	DefaultQuestionMarker = "Как называется"
)

var questionHeaderRe = regexp.MustCompile(`^\d+\.`)

// SchemaError reports a submission file whose shape cannot be parsed.
type SchemaError struct {
	Marker string // the marker that was searched for
	What   string // "identifier column" or "question start"
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("submission schema: no %s found (marker %q)", e.What, e.Marker)
}

// Options configures header detection.
type Options struct {
	IDMarker       string
	QuestionMarker string
}

func (o Options) withDefaults() Options {
	if o.IDMarker == "" {
		o.IDMarker = DefaultIDMarker
	}
	if o.QuestionMarker == "" {
		o.QuestionMarker = DefaultQuestionMarker
	}
	return o
}

// LocateIdentifierColumn returns the index of the first header containing
// marker. Multiple matches are not disambiguated: first match wins.
func LocateIdentifierColumn(columns []string, marker string) (int, error) {
	for i, col := range columns {
		if strings.Contains(col, marker) {
			return i, nil
		}
	}
	return 0, &SchemaError{Marker: marker, What: "identifier column"}
}

// LocateQuestionStart returns the index of the first header that either
// contains marker or starts with a "N." question number.
func LocateQuestionStart(columns []string, marker string) (int, error) {
	for i, col := range columns {
		if strings.Contains(col, marker) || questionHeaderRe.MatchString(strings.TrimSpace(col)) {
			return i, nil
		}
	}
	return 0, &SchemaError{Marker: marker, What: "question start"}
}

// ExtractAnswers slices exactly count answer cells starting at start.
// Rows shorter than start+count are padded with empty strings: truncated
// exports degrade to blank answers rather than failing the row.
func ExtractAnswers(row []string, start, count int) []string {
	answers := make([]string, count)
	for i := 0; i < count; i++ {
		if start+i < len(row) {
			answers[i] = strings.TrimSpace(row[i+start])
		}
	}
	return answers
}

// Parse reads a CSV export and returns one SubmissionRow per data row,
// each carrying exactly numQuestions answers aligned with the reference
// ordering. Identifiers are normalized to their canonical comparison form.
func Parse(r io.Reader, numQuestions int, opts Options) ([]model.SubmissionRow, error) {
	opts = opts.withDefaults()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // exports are frequently ragged

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("submission file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read submission header: %w", err)
	}

	idCol, err := LocateIdentifierColumn(header, opts.IDMarker)
	if err != nil {
		return nil, err
	}
	questionStart, err := LocateQuestionStart(header, opts.QuestionMarker)
	if err != nil {
		return nil, err
	}

	var rows []model.SubmissionRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read submission row %d: %w", len(rows)+2, err)
		}
		id := ""
		if idCol < len(record) {
			id = model.NormalizeID(record[idCol])
		}
		rows = append(rows, model.SubmissionRow{
			Identifier: id,
			Answers:    ExtractAnswers(record, questionStart, numQuestions),
		})
	}
	return rows, nil
}
