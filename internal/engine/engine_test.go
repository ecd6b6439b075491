package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/gradehub/internal/model"
)

// oracleFunc adapts a function to the Oracle interface.
type oracleFunc func(ctx context.Context, question, referenceAnswer, submittedAnswer string) (int, string, error)

func (f oracleFunc) Score(ctx context.Context, q, ref, ans string) (int, string, error) {
	return f(ctx, q, ref, ans)
}

func testItems(n int) []model.ReferenceItem {
	items := make([]model.ReferenceItem, n)
	for i := range items {
		items[i] = model.ReferenceItem{
			Discipline: "Physics",
			LectureID:  "Lec01",
			QuestionID: fmt.Sprintf("Q%03d", i+1),
			Question:   fmt.Sprintf("question %d", i+1),
			Answer:     fmt.Sprintf("reference %d", i+1),
		}
	}
	return items
}

func TestGradeAllShape(t *testing.T) {
	// Score by answer content so results are position-independent.
	oracle := oracleFunc(func(_ context.Context, _, _, ans string) (int, string, error) {
		if strings.HasPrefix(ans, "good") {
			return 2, "верно", nil
		}
		return 1, "частично", nil
	})

	e := New(oracle, Config{})
	rows := []model.SubmissionRow{
		{Identifier: "101", Answers: []string{"good a", "meh b", "good c"}},
		{Identifier: "102", Answers: []string{"meh a", "meh b", "meh c"}},
	}

	aggs, recs := e.GradeAll(context.Background(), rows, testItems(3))

	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}
	if len(recs) != 6 {
		t.Fatalf("expected 6 records, got %d", len(recs))
	}

	if aggs[0].Identifier != "101" || aggs[0].Total != 5 {
		t.Errorf("unexpected aggregate for 101: %+v", aggs[0])
	}
	if aggs[1].Identifier != "102" || aggs[1].Total != 3 {
		t.Errorf("unexpected aggregate for 102: %+v", aggs[1])
	}

	// Records come back ordered by (row, question index) regardless of
	// completion order.
	for i, rec := range recs {
		wantIdx := i%3 + 1
		if rec.QuestionIndex != wantIdx {
			t.Errorf("record %d: question index %d, want %d", i, rec.QuestionIndex, wantIdx)
		}
		if rec.Question != fmt.Sprintf("question %d", wantIdx) {
			t.Errorf("record %d carries wrong question: %q", i, rec.Question)
		}
	}
}

func TestGradeAllOracleFailureContainment(t *testing.T) {
	oracle := oracleFunc(func(_ context.Context, _, _, _ string) (int, string, error) {
		return 0, "", errors.New("oracle exploded")
	})

	e := New(oracle, Config{})
	rows := []model.SubmissionRow{{Identifier: "101", Answers: []string{"a", "b", "c"}}}

	aggs, recs := e.GradeAll(context.Background(), rows, testItems(3))

	if len(aggs) != 1 || aggs[0].Total != 0 {
		t.Fatalf("expected one zero aggregate, got %+v", aggs)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.Score != 0 {
			t.Errorf("failed question must score 0, got %d", rec.Score)
		}
		if !strings.Contains(rec.Rationale, "oracle exploded") {
			t.Errorf("rationale should carry the error text, got %q", rec.Rationale)
		}
	}
}

func TestGradeAllEmptyAnswerSkipsOracle(t *testing.T) {
	var calls int
	var mu sync.Mutex
	oracle := oracleFunc(func(_ context.Context, _, _, _ string) (int, string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 2, "ok", nil
	})

	e := New(oracle, Config{})
	rows := []model.SubmissionRow{{Identifier: "101", Answers: []string{"", "   ", "real answer"}}}

	aggs, recs := e.GradeAll(context.Background(), rows, testItems(3))

	if calls != 1 {
		t.Errorf("oracle called %d times, want 1 (blank answers short-circuit)", calls)
	}
	if aggs[0].Total != 2 {
		t.Errorf("expected total 2, got %d", aggs[0].Total)
	}
	for _, rec := range recs[:2] {
		if rec.Score != 0 || rec.Rationale != RationaleEmptyAnswer {
			t.Errorf("blank answer record = %+v", rec)
		}
	}
}

func TestGradeAllTimeout(t *testing.T) {
	oracle := oracleFunc(func(ctx context.Context, _, _, _ string) (int, string, error) {
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(5 * time.Second):
			return 2, "too late", nil
		}
	})

	e := New(oracle, Config{CallTimeout: 20 * time.Millisecond})
	rows := []model.SubmissionRow{{Identifier: "101", Answers: []string{"slow"}}}

	aggs, recs := e.GradeAll(context.Background(), rows, testItems(1))

	if aggs[0].Total != 0 {
		t.Errorf("timed-out question must score 0, got %d", aggs[0].Total)
	}
	if recs[0].Rationale != RationaleTimeout {
		t.Errorf("expected %q rationale, got %q", RationaleTimeout, recs[0].Rationale)
	}
}

func TestGradeAllBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	oracle := oracleFunc(func(_ context.Context, _, _, _ string) (int, string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return 1, "ok", nil
	})

	e := New(oracle, Config{Concurrency: 2})
	answers := make([]string, 8)
	for i := range answers {
		answers[i] = "answer"
	}
	rows := []model.SubmissionRow{{Identifier: "101", Answers: answers}}

	e.GradeAll(context.Background(), rows, testItems(8))

	if maxInFlight > 2 {
		t.Errorf("observed %d concurrent oracle calls, limit is 2", maxInFlight)
	}
}

func TestGradeAllBoundsQuestionCount(t *testing.T) {
	oracle := oracleFunc(func(_ context.Context, _, _, _ string) (int, string, error) {
		return 1, "ok", nil
	})
	e := New(oracle, Config{})

	// More reference items than extracted answers: the extra questions
	// are never scheduled.
	rows := []model.SubmissionRow{{Identifier: "101", Answers: []string{"a", "b"}}}
	aggs, recs := e.GradeAll(context.Background(), rows, testItems(5))

	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if aggs[0].Total != 2 {
		t.Errorf("expected total 2, got %d", aggs[0].Total)
	}
}
