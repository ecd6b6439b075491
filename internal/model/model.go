package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Score bounds for a single question. The oracle's verdict is always
// clamped into this range.
const (
	MinScore = 0
	MaxScore = 2
)

var (
	lectureIDRegex  = regexp.MustCompile(`^Lec\d{2}$`)
	questionIDRegex = regexp.MustCompile(`^Q\d{3}$`)
	trailingZeroRe  = regexp.MustCompile(`^(\d+)\.0+$`)
)

// ReferenceItem is one canonical question/answer pair from the reference bank.
type ReferenceItem struct {
	Discipline string `json:"discipline"`
	LectureID  string `json:"lecture_id"`
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

// SubmissionRow is one student's row from an uploaded answer export.
// Answers are aligned positionally with the sorted reference items
// for the selected discipline and lecture.
type SubmissionRow struct {
	Identifier string   `json:"identifier"`
	Answers    []string `json:"answers"`
}

// GradeRecord is the audit-trail entry for one (student, question) pair.
// QuestionIndex is 1-based and carries question identity explicitly so
// consumers never depend on completion order.
type GradeRecord struct {
	Identifier      string `json:"identifier"`
	QuestionIndex   int    `json:"question_index"`
	Question        string `json:"question"`
	ReferenceAnswer string `json:"reference_answer"`
	SubmittedAnswer string `json:"submitted_answer"`
	Score           int    `json:"score"`
	Rationale       string `json:"rationale"`
}

// AggregateScore is the summed score for one submission row.
type AggregateScore struct {
	Identifier string `json:"identifier"`
	Total      int    `json:"total"`
}

// Run describes one stored grading run.
type Run struct {
	ID           int64     `json:"id"`
	Discipline   string    `json:"discipline"`
	LectureID    string    `json:"lecture_id"`
	Model        string    `json:"model"`
	NumQuestions int       `json:"num_questions"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunView combines a run with its aggregates and audit records.
type RunView struct {
	Run        Run              `json:"run"`
	Aggregates []AggregateScore `json:"aggregates"`
	Records    []GradeRecord    `json:"records"`
}

// ValidLectureID reports whether s matches the LecNN pattern.
func ValidLectureID(s string) bool {
	return lectureIDRegex.MatchString(s)
}

// ValidQuestionID reports whether s matches the QNNN pattern.
func ValidQuestionID(s string) bool {
	return questionIDRegex.MatchString(s)
}

// LectureNumber extracts the 1-based lecture number from a LecNN identifier.
func LectureNumber(lectureID string) (int, error) {
	if !ValidLectureID(lectureID) {
		return 0, fmt.Errorf("invalid lecture ID %q: want LecNN", lectureID)
	}
	return strconv.Atoi(strings.TrimPrefix(lectureID, "Lec"))
}

// NormalizeID converts an identifier to its canonical comparison form:
// surrounding whitespace is trimmed and an all-zero decimal tail
// ("123.0", "123.00") is stripped. Spreadsheet readers return numeric
// cells as floats, CSV readers as text; both sides must normalize the
// same way or numerically equal IDs fail to match.
func NormalizeID(s string) string {
	s = strings.TrimSpace(s)
	if m := trailingZeroRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
