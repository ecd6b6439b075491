// Package bank loads and indexes the reference question/answer bank.
//
// The bank is an .xlsx workbook with one header row and the columns
// Discipline, Lecture_ID, Question_ID, Question, Answer. A loaded bank
// is an immutable snapshot; callers that need fresh data call Reload and
// swap the returned snapshot in, rather than mutating shared state.
package bank

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/gradehub/internal/model"
)

// RequiredColumns are the header names the bank workbook must contain.
var RequiredColumns = []string{"Discipline", "Lecture_ID", "Question_ID", "Question", "Answer"}

// LoadError reports an unreadable or schema-invalid bank file.
// Issues lists per-row validation failures when the file opened but
// its content is malformed.
type LoadError struct {
	Path   string
	Issues []string
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load reference bank %s", e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Snapshot is an immutable view of the reference bank at load time.
type Snapshot struct {
	path     string
	items    []model.ReferenceItem
	loadedAt time.Time
}

// Load reads the bank workbook at path and validates every row.
// It returns a *LoadError if the file is unreadable, misses a required
// column, or contains rows with malformed lecture or question IDs.
func Load(path string) (*Snapshot, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(rows) == 0 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("sheet %q is empty", sheet)}
	}

	cols, err := columnIndex(rows[0])
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var items []model.ReferenceItem
	var issues []string
	for i, row := range rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		item := model.ReferenceItem{
			Discipline: cell(row, cols["Discipline"]),
			LectureID:  cell(row, cols["Lecture_ID"]),
			QuestionID: cell(row, cols["Question_ID"]),
			Question:   cell(row, cols["Question"]),
			Answer:     cell(row, cols["Answer"]),
		}
		if blank(item) {
			continue
		}
		if !model.ValidLectureID(item.LectureID) {
			issues = append(issues, fmt.Sprintf("row %d: invalid Lecture_ID %q", rowNum, item.LectureID))
			continue
		}
		if !model.ValidQuestionID(item.QuestionID) {
			issues = append(issues, fmt.Sprintf("row %d: invalid Question_ID %q", rowNum, item.QuestionID))
			continue
		}
		items = append(items, item)
	}
	if len(issues) > 0 {
		return nil, &LoadError{Path: path, Issues: issues}
	}

	return &Snapshot{path: path, items: items, loadedAt: time.Now()}, nil
}

// Reload re-reads the bank file and returns a fresh snapshot.
// The receiver is left untouched.
func (s *Snapshot) Reload() (*Snapshot, error) {
	return Load(s.path)
}

// Items returns all reference items in file order.
func (s *Snapshot) Items() []model.ReferenceItem { return s.items }

// LoadedAt reports when this snapshot was read from disk.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Select returns the items for one (discipline, lecture) pair, sorted
// ascending by question ID. An empty result is valid: a lecture with no
// questions grades every submission to zero questions, not an error.
func (s *Snapshot) Select(discipline, lectureID string) []model.ReferenceItem {
	return Select(s.items, discipline, lectureID)
}

// Disciplines returns the distinct disciplines in first-seen order.
func (s *Snapshot) Disciplines() []string {
	var out []string
	seen := make(map[string]bool)
	for _, it := range s.items {
		if !seen[it.Discipline] {
			seen[it.Discipline] = true
			out = append(out, it.Discipline)
		}
	}
	return out
}

// Lectures returns the distinct lecture IDs for a discipline, sorted.
func (s *Snapshot) Lectures(discipline string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, it := range s.items {
		if it.Discipline == discipline && !seen[it.LectureID] {
			seen[it.LectureID] = true
			out = append(out, it.LectureID)
		}
	}
	sort.Strings(out)
	return out
}

// Select filters items by discipline and lecture and sorts the result
// ascending by question ID. The ordering fixes positional alignment
// with submission answer columns.
func Select(items []model.ReferenceItem, discipline, lectureID string) []model.ReferenceItem {
	var out []model.ReferenceItem
	for _, it := range items {
		if it.Discipline == discipline && it.LectureID == lectureID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	var missing []string
	for _, want := range RequiredColumns {
		if _, ok := cols[want]; !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(it model.ReferenceItem) bool {
	return it.Discipline == "" && it.LectureID == "" && it.QuestionID == "" && it.Question == "" && it.Answer == ""
}
