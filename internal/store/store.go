package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/gradehub/internal/model"

	_ "modernc.org/sqlite"
)

// Store archives grading runs so results can be reviewed and re-merged
// into journals without regrading.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		discipline TEXT NOT NULL,
		lecture_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		num_questions INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS aggregates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		identifier TEXT NOT NULL,
		total INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS grade_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		identifier TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		question TEXT NOT NULL,
		reference_answer TEXT NOT NULL DEFAULT '',
		submitted_answer TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun stores a run with its aggregates and audit records in one
// transaction and returns the run ID.
func (s *Store) CreateRun(run model.Run, aggregates []model.AggregateScore, records []model.GradeRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := tx.Exec(
		`INSERT INTO runs (discipline, lecture_id, model, num_questions, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.Discipline, run.LectureID, run.Model, run.NumQuestions, createdAt,
	)
	if err != nil {
		return 0, err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, a := range aggregates {
		_, err := tx.Exec(
			`INSERT INTO aggregates (run_id, identifier, total) VALUES (?, ?, ?)`,
			runID, a.Identifier, a.Total,
		)
		if err != nil {
			return 0, err
		}
	}
	for _, r := range records {
		_, err := tx.Exec(
			`INSERT INTO grade_records (run_id, identifier, question_index, question, reference_answer, submitted_answer, score, rationale)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, r.Identifier, r.QuestionIndex, r.Question, r.ReferenceAnswer, r.SubmittedAnswer, r.Score, r.Rationale,
		)
		if err != nil {
			return 0, err
		}
	}

	return runID, tx.Commit()
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, discipline, lecture_id, model, num_questions, created_at FROM runs ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Discipline, &r.LectureID, &r.Model, &r.NumQuestions, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a run by ID. Missing runs surface sql.ErrNoRows.
func (s *Store) GetRun(id int64) (model.Run, error) {
	var r model.Run
	err := s.db.QueryRow(
		`SELECT id, discipline, lecture_id, model, num_questions, created_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Discipline, &r.LectureID, &r.Model, &r.NumQuestions, &r.CreatedAt)
	return r, err
}

// GetRunView returns a run together with its aggregates and records.
func (s *Store) GetRunView(id int64) (*model.RunView, error) {
	run, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}
	aggregates, err := s.aggregatesForRun(id)
	if err != nil {
		return nil, err
	}
	records, err := s.recordsForRun(id)
	if err != nil {
		return nil, err
	}
	return &model.RunView{Run: run, Aggregates: aggregates, Records: records}, nil
}

// ScoresForRun returns a run's aggregates as an identifier→score map,
// ready for a journal merge.
func (s *Store) ScoresForRun(id int64) (map[string]int, error) {
	aggregates, err := s.aggregatesForRun(id)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]int, len(aggregates))
	for _, a := range aggregates {
		scores[a.Identifier] = a.Total
	}
	return scores, nil
}

func (s *Store) aggregatesForRun(runID int64) ([]model.AggregateScore, error) {
	rows, err := s.db.Query(
		`SELECT identifier, total FROM aggregates WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggregates []model.AggregateScore
	for rows.Next() {
		var a model.AggregateScore
		if err := rows.Scan(&a.Identifier, &a.Total); err != nil {
			return nil, err
		}
		aggregates = append(aggregates, a)
	}
	return aggregates, rows.Err()
}

func (s *Store) recordsForRun(runID int64) ([]model.GradeRecord, error) {
	rows, err := s.db.Query(
		`SELECT identifier, question_index, question, reference_answer, submitted_answer, score, rationale
		 FROM grade_records WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.GradeRecord
	for rows.Next() {
		var r model.GradeRecord
		if err := rows.Scan(&r.Identifier, &r.QuestionIndex, &r.Question, &r.ReferenceAnswer, &r.SubmittedAnswer, &r.Score, &r.Rationale); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SetSetting upserts a key-value pair in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetSetting returns the value for a settings key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
