// Package engine runs the concurrent grading pipeline: one scoring call
// per question, fanned out per submission row with bounded parallelism,
// reassembled deterministically by question index.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/gradehub/internal/model"
)

// Oracle rates one submitted answer against its reference answer.
// Implementations return the clamped score plus raw rationale text; a
// non-nil error marks the verdict unusable.
type Oracle interface {
	Score(ctx context.Context, question, referenceAnswer, submittedAnswer string) (int, string, error)
}

// Rationale texts for verdicts produced without a usable oracle reply.
const (
	RationaleEmptyAnswer = "empty answer"
	RationaleTimeout     = "timeout"
)

// Defaults for Config zero values.
const (
	DefaultConcurrency = 10
	DefaultCallTimeout = 2 * time.Minute
)

// Config tunes the engine.
type Config struct {
	// Concurrency caps in-flight oracle calls per submission row.
	Concurrency int
	// CallTimeout bounds a single oracle call. A timed-out call scores
	// zero with a "timeout" rationale instead of stalling the row.
	CallTimeout time.Duration
}

// Engine grades submission rows against a reference set.
type Engine struct {
	oracle      Oracle
	concurrency int
	callTimeout time.Duration
}

// New creates an engine. Zero config fields fall back to defaults.
func New(oracle Oracle, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Engine{
		oracle:      oracle,
		concurrency: cfg.Concurrency,
		callTimeout: cfg.CallTimeout,
	}
}

// GradeAll grades every submission row against the reference items.
// Rows are processed sequentially; the questions inside a row run
// concurrently. Every row yields exactly one AggregateScore and one
// GradeRecord per scheduled question, whatever the oracle does:
// per-question failures degrade that question to zero, never the run.
func (e *Engine) GradeAll(ctx context.Context, rows []model.SubmissionRow, items []model.ReferenceItem) ([]model.AggregateScore, []model.GradeRecord) {
	aggregates := make([]model.AggregateScore, 0, len(rows))
	var records []model.GradeRecord

	for _, row := range rows {
		agg, recs := e.gradeRow(ctx, row, items)
		aggregates = append(aggregates, agg)
		records = append(records, recs...)
	}
	return aggregates, records
}

func (e *Engine) gradeRow(ctx context.Context, row model.SubmissionRow, items []model.ReferenceItem) (model.AggregateScore, []model.GradeRecord) {
	// Never schedule a question index beyond the available answers.
	n := min(len(items), len(row.Answers))
	records := make([]model.GradeRecord, n)

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			records[i] = e.gradeQuestion(ctx, row.Identifier, i+1, items[i], row.Answers[i])
			return nil
		})
	}
	// Workers only ever return nil; failures are absorbed per question.
	_ = g.Wait()

	total := 0
	for _, rec := range records {
		total += rec.Score
	}
	slog.Debug("graded row", "identifier", row.Identifier, "questions", n, "total", total)
	return model.AggregateScore{Identifier: row.Identifier, Total: total}, records
}

func (e *Engine) gradeQuestion(ctx context.Context, identifier string, index int, item model.ReferenceItem, answer string) model.GradeRecord {
	rec := model.GradeRecord{
		Identifier:      identifier,
		QuestionIndex:   index,
		Question:        item.Question,
		ReferenceAnswer: item.Answer,
		SubmittedAnswer: answer,
	}

	// Blank answers score zero without spending an oracle call.
	if strings.TrimSpace(answer) == "" {
		rec.Rationale = RationaleEmptyAnswer
		return rec
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	score, rationale, err := e.oracle.Score(callCtx, item.Question, item.Answer, answer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			rec.Rationale = RationaleTimeout
		} else {
			rec.Rationale = err.Error()
		}
		slog.Warn("oracle call failed, question scored zero",
			"identifier", identifier, "question_index", index, "error", err)
		return rec
	}

	rec.Score = score
	rec.Rationale = rationale
	return rec
}
