package journal

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"
)

// newTestJournal builds a workbook shaped like the faculty template:
// merged header block above row 8, identifiers in column B.
func newTestJournal(t *testing.T, ids ...any) *excelize.File {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	if err := f.SetCellValue(sheet, "A1", "Журнал успеваемости"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	if err := f.MergeCell(sheet, "A1", "X3"); err != nil {
		t.Fatalf("merge header: %v", err)
	}

	for i, id := range ids {
		cell := fmt.Sprintf("B%d", DataStartRow+i)
		if err := f.SetCellValue(sheet, cell, id); err != nil {
			t.Fatalf("set identifier %v: %v", id, err)
		}
	}
	return f
}

func cellValue(t *testing.T, f *excelize.File, axis string) string {
	t.Helper()
	v, err := f.GetCellValue(f.GetSheetName(0), axis)
	if err != nil {
		t.Fatalf("get %s: %v", axis, err)
	}
	return v
}

func TestMergeWritesScores(t *testing.T) {
	f := newTestJournal(t, "101", "102", "103")

	res, err := Merge(f, map[string]int{"101": 5, "102": 3, "999": 7}, 1)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if res.Updated != 2 {
		t.Errorf("Updated = %d, want 2", res.Updated)
	}
	if !reflect.DeepEqual(res.Unmatched, []string{"999"}) {
		t.Errorf("Unmatched = %v, want [999]", res.Unmatched)
	}

	// Lecture 1 maps to column F.
	if got := cellValue(t, f, "F8"); got != "5" {
		t.Errorf("F8 = %q, want 5", got)
	}
	if got := cellValue(t, f, "F9"); got != "3" {
		t.Errorf("F9 = %q, want 3", got)
	}
	if got := cellValue(t, f, "F10"); got != "" {
		t.Errorf("F10 = %q, want empty", got)
	}
}

func TestMergeLectureColumnMapping(t *testing.T) {
	f := newTestJournal(t, "101")

	if _, err := Merge(f, map[string]int{"101": 4}, 10); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// Lecture 10 maps to column X.
	if got := cellValue(t, f, "X8"); got != "4" {
		t.Errorf("X8 = %q, want 4", got)
	}
}

func TestMergeAnchorsIntoMergedRange(t *testing.T) {
	f := newTestJournal(t, "101", "102", "103", "104")
	sheet := f.GetSheetName(0)

	// Rows 10-11 of column F form one merged cell; row 11's write must
	// land at the F10 anchor.
	if err := f.MergeCell(sheet, "F10", "F11"); err != nil {
		t.Fatalf("merge range: %v", err)
	}

	res, err := Merge(f, map[string]int{"104": 6}, 1)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}

	if got := cellValue(t, f, "F10"); got != "6" {
		t.Errorf("anchor F10 = %q, want 6", got)
	}
}

func TestMergeIdempotent(t *testing.T) {
	f := newTestJournal(t, "101", "102")
	scores := map[string]int{"101": 5, "102": 2}

	first, err := Merge(f, scores, 2)
	if err != nil {
		t.Fatalf("first Merge: %v", err)
	}
	second, err := Merge(f, scores, 2)
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("merge results differ: %+v vs %+v", first, second)
	}
	// Lecture 2 maps to column H; pure overwrite, no accumulation.
	if got := cellValue(t, f, "H8"); got != "5" {
		t.Errorf("H8 = %q, want 5", got)
	}
}

func TestMergeDuplicateRowsAllUpdated(t *testing.T) {
	f := newTestJournal(t, "101", "101")

	res, err := Merge(f, map[string]int{"101": 2}, 1)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Updated != 2 {
		t.Errorf("Updated = %d, want 2 (both duplicate rows)", res.Updated)
	}
	if got := cellValue(t, f, "F8"); got != "2" {
		t.Errorf("F8 = %q, want 2", got)
	}
	if got := cellValue(t, f, "F9"); got != "2" {
		t.Errorf("F9 = %q, want 2", got)
	}
}

func TestMergeNormalizesJournalIDs(t *testing.T) {
	// Numeric identifier cell: spreadsheet readers may render "101";
	// the float form in results still has to match.
	f := newTestJournal(t, 101, " 102 ")

	res, err := Merge(f, map[string]int{"101": 5, "102": 3}, 1)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(res.Unmatched) != 0 {
		t.Errorf("Unmatched = %v, want none", res.Unmatched)
	}
}

func TestMergeCapacityError(t *testing.T) {
	f := newTestJournal(t, "101")

	for _, lecture := range []int{0, 11, -1} {
		_, err := Merge(f, map[string]int{"101": 1}, lecture)
		var capErr *CapacityError
		if !errors.As(err, &capErr) {
			t.Errorf("lecture %d: expected *CapacityError, got %v", lecture, err)
			continue
		}
		if capErr.Capacity != len(LectureColumns) {
			t.Errorf("capacity = %d, want %d", capErr.Capacity, len(LectureColumns))
		}
	}

	// Nothing may be written on a capacity failure.
	if got := cellValue(t, f, "F8"); got != "" {
		t.Errorf("F8 = %q, want empty after failed merges", got)
	}
}
