package submission

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestLocateIdentifierColumn(t *testing.T) {
	columns := []string{"Время", "Канал", "13.**Укажите Ваш ID:**", "1. Вопрос"}

	idx, err := LocateIdentifierColumn(columns, "Укажите Ваш ID")
	if err != nil {
		t.Fatalf("LocateIdentifierColumn: %v", err)
	}
	if idx != 2 {
		t.Errorf("expected index 2, got %d", idx)
	}

	_, err = LocateIdentifierColumn([]string{"a", "b"}, "Укажите Ваш ID")
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
}

func TestLocateIdentifierColumnFirstMatchWins(t *testing.T) {
	columns := []string{"x", "Укажите Ваш ID (старый)", "Укажите Ваш ID"}
	idx, err := LocateIdentifierColumn(columns, "Укажите Ваш ID")
	if err != nil {
		t.Fatalf("LocateIdentifierColumn: %v", err)
	}
	if idx != 1 {
		t.Errorf("first match should win, got index %d", idx)
	}
}

func TestLocateQuestionStart(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    int
		wantErr bool
	}{
		{"marker", []string{"ID", "Как называется прибор?", "2. Другой"}, 1, false},
		{"numbered header", []string{"ID", "meta", " 1. Что такое сила?"}, 2, false},
		{"two digit number", []string{"ID", "12. Вопрос"}, 1, false},
		{"absent", []string{"ID", "meta", "прочее"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LocateQuestionStart(tt.columns, DefaultQuestionMarker)
			if tt.wantErr {
				var schemaErr *SchemaError
				if !errors.As(err, &schemaErr) {
					t.Fatalf("expected *SchemaError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LocateQuestionStart: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected index %d, got %d", tt.want, got)
			}
		})
	}
}

func TestExtractAnswers(t *testing.T) {
	row := []string{"meta", "101", "ans1", "ans2", "ans3"}

	got := ExtractAnswers(row, 2, 3)
	want := []string{"ans1", "ans2", "ans3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractAnswers = %v, want %v", got, want)
	}

	// Truncated row pads with empty strings.
	got = ExtractAnswers(row, 3, 5)
	want = []string{"ans2", "ans3", "", "", ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractAnswers (truncated) = %v, want %v", got, want)
	}
}

func TestParse(t *testing.T) {
	data := strings.Join([]string{
		`Время,Укажите Ваш ID,1. Вопрос один,2. Вопрос два`,
		`2025-05-09,101.0,Ответ А,Ответ Б`,
		`2025-05-09, 102 ,Ответ В`,
	}, "\n")

	rows, err := Parse(strings.NewReader(data), 2, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	// Float-formatted and padded IDs normalize to the canonical form.
	if rows[0].Identifier != "101" {
		t.Errorf("expected identifier 101, got %q", rows[0].Identifier)
	}
	if rows[1].Identifier != "102" {
		t.Errorf("expected identifier 102, got %q", rows[1].Identifier)
	}

	if !reflect.DeepEqual(rows[0].Answers, []string{"Ответ А", "Ответ Б"}) {
		t.Errorf("unexpected answers: %v", rows[0].Answers)
	}
	// Short row yields an empty string for the missing answer.
	if !reflect.DeepEqual(rows[1].Answers, []string{"Ответ В", ""}) {
		t.Errorf("unexpected padded answers: %v", rows[1].Answers)
	}
}

func TestParseMissingIdentifierColumn(t *testing.T) {
	data := "a,b,1. Вопрос\nx,y,z\n"
	_, err := Parse(strings.NewReader(data), 1, Options{})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if schemaErr.What != "identifier column" {
		t.Errorf("unexpected error detail: %v", schemaErr)
	}
}
