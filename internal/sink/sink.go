// Package sink serializes grading results into tabular artifacts: an
// aggregate results file, a per-question audit log, and an optional zip
// bundle of both.
package sink

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pavelanni/gradehub/internal/model"
)

var (
	unsafeRe      = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
	resultsNameRe = regexp.MustCompile(`^results_(.+)_Lec(\d+)_`)
)

const timestampLayout = "20060102_150405"

// WriteError reports a failed artifact write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Artifacts holds the paths produced by one grading run.
type Artifacts struct {
	ResultsPath string `json:"results_path"`
	LogPath     string `json:"log_path"`
	BundlePath  string `json:"bundle_path,omitempty"`
}

// Sink writes artifacts into a fixed directory.
type Sink struct {
	dir string
}

// New creates a sink rooted at dir, creating it if needed.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &WriteError{Path: dir, Err: err}
	}
	return &Sink{dir: dir}, nil
}

// SafeName replaces every run of non-alphanumeric characters with a
// single underscore, keeping Unicode letters (disciplines are Russian).
func SafeName(s string) string {
	return unsafeRe.ReplaceAllString(s, "_")
}

// BaseName builds the deterministic artifact name stem for one run.
func BaseName(discipline, lectureID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", SafeName(discipline), SafeName(lectureID), now.Format(timestampLayout))
}

// Write produces the aggregate results file and the per-question audit
// log for one run.
func (s *Sink) Write(aggregates []model.AggregateScore, records []model.GradeRecord, discipline, lectureID string, now time.Time) (*Artifacts, error) {
	base := BaseName(discipline, lectureID, now)
	a := &Artifacts{
		ResultsPath: filepath.Join(s.dir, "results_"+base+".csv"),
		LogPath:     filepath.Join(s.dir, "log_"+base+".csv"),
	}

	resultsRows := [][]string{{"student_id", "total"}}
	for _, agg := range aggregates {
		resultsRows = append(resultsRows, []string{agg.Identifier, strconv.Itoa(agg.Total)})
	}
	if err := writeCSV(a.ResultsPath, resultsRows); err != nil {
		return nil, err
	}

	logRows := [][]string{{"student_id", "question_index", "question", "reference_answer", "submitted_answer", "score"}}
	for _, rec := range records {
		logRows = append(logRows, []string{
			rec.Identifier,
			strconv.Itoa(rec.QuestionIndex),
			rec.Question,
			rec.ReferenceAnswer,
			rec.SubmittedAnswer,
			strconv.Itoa(rec.Score),
		})
	}
	if err := writeCSV(a.LogPath, logRows); err != nil {
		return nil, err
	}

	return a, nil
}

// Bundle zips the run's artifacts into a single archive for one-click
// retrieval and records its path in a.
func (s *Sink) Bundle(a *Artifacts) (string, error) {
	bundlePath := trimCSVExt(a.ResultsPath) + ".zip"

	f, err := os.Create(bundlePath)
	if err != nil {
		return "", &WriteError{Path: bundlePath, Err: err}
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, path := range []string{a.ResultsPath, a.LogPath} {
		if err := addToZip(zw, path); err != nil {
			zw.Close()
			return "", &WriteError{Path: bundlePath, Err: err}
		}
	}
	if err := zw.Close(); err != nil {
		return "", &WriteError{Path: bundlePath, Err: err}
	}

	a.BundlePath = bundlePath
	return bundlePath, nil
}

// ReadAggregates reads an aggregate results file back into an
// identifier→score map, normalizing identifiers the same way the rest of
// the pipeline does.
func ReadAggregates(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read results file %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("results file %s is empty", path)
	}

	scores := make(map[string]int, len(rows)-1)
	for i, row := range rows[1:] { // skip header
		if len(row) < 2 {
			return nil, fmt.Errorf("results file %s: row %d has %d columns, want 2", path, i+2, len(row))
		}
		score, err := strconv.Atoi(model.NormalizeID(row[1]))
		if err != nil {
			return nil, fmt.Errorf("results file %s: row %d: bad score %q", path, i+2, row[1])
		}
		scores[model.NormalizeID(row[0])] = score
	}
	return scores, nil
}

// ParseResultsName extracts the discipline and lecture number from an
// aggregate results file name, e.g. "results_Физика_Lec03_20250509_120000.csv".
func ParseResultsName(filename string) (discipline string, lecture int, err error) {
	m := resultsNameRe.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return "", 0, fmt.Errorf("cannot parse discipline and lecture from file name %q", filename)
	}
	lecture, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, err
	}
	return m[1], lecture, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil { // WriteAll flushes
		f.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func addToZip(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func trimCSVExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}
