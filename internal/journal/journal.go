// Package journal locates and updates scored cells inside a grade
// journal workbook.
//
// The journal layout is fixed by the faculty template: student
// identifiers in column B, data rows starting at row 8, and one column
// per lecture slot out of a fixed ten-slot table. Header and identifier
// regions contain merged ranges; a merged range only carries a value at
// its top-left anchor cell, so writes that land inside a range are
// retargeted to the anchor.
package journal

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/gradehub/internal/model"
)

// LectureColumns maps 1-based lecture numbers to journal columns.
// The template reserves every other column for teacher remarks.
var LectureColumns = []string{"F", "H", "J", "L", "N", "P", "R", "T", "V", "X"}

const (
	// IdentifierColumn holds student identifiers.
	IdentifierColumn = "B"
	// DataStartRow is the first data row below the merged header block.
	DataStartRow = 8
)

// CapacityError reports a lecture number with no journal column.
type CapacityError struct {
	Lecture  int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no journal column defined for lecture %d: template capacity is %d", e.Lecture, e.Capacity)
}

// MergeResult reports what a merge did.
type MergeResult struct {
	// Updated counts journal cells written. Duplicate identifier rows
	// are all updated, so Updated can exceed the number of matched IDs.
	Updated int `json:"updated"`
	// Unmatched lists result identifiers absent from the journal,
	// sorted. A student present in results but missing from the journal
	// is a data-integrity signal, never silently dropped.
	Unmatched []string `json:"unmatched"`
}

// Merge writes each identifier's score into the journal column for the
// given 1-based lecture number. The workbook is mutated in place; the
// caller saves it. Merging the same scores twice is a pure overwrite
// and leaves the journal identical.
func Merge(f *excelize.File, scores map[string]int, lecture int) (*MergeResult, error) {
	if lecture < 1 || lecture > len(LectureColumns) {
		return nil, &CapacityError{Lecture: lecture, Capacity: len(LectureColumns)}
	}
	targetCol, err := excelize.ColumnNameToNumber(LectureColumns[lecture-1])
	if err != nil {
		return nil, err
	}

	sheet := f.GetSheetName(0)
	anchors, err := buildAnchorIndex(f, sheet)
	if err != nil {
		return nil, err
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read journal sheet %q: %w", sheet, err)
	}

	result := &MergeResult{}
	matched := make(map[string]bool)
	for row := DataStartRow; row <= len(rows); row++ {
		raw, err := f.GetCellValue(sheet, fmt.Sprintf("%s%d", IdentifierColumn, row))
		if err != nil {
			return nil, fmt.Errorf("read identifier cell row %d: %w", row, err)
		}
		id := model.NormalizeID(raw)
		score, ok := scores[id]
		if !ok {
			continue
		}

		axis, ok := anchors.resolve(row, targetCol)
		if !ok {
			if axis, err = excelize.CoordinatesToCellName(targetCol, row); err != nil {
				return nil, err
			}
		}
		if err := f.SetCellValue(sheet, axis, score); err != nil {
			return nil, fmt.Errorf("write score for %s at %s: %w", id, axis, err)
		}
		result.Updated++
		matched[id] = true
	}

	for id := range scores {
		if !matched[id] {
			result.Unmatched = append(result.Unmatched, id)
		}
	}
	sort.Strings(result.Unmatched)

	return result, nil
}

type cellCoord struct {
	row, col int
}

// anchorIndex maps every cell covered by a merged range to the range's
// top-left anchor. Built once per merge so merge-heavy journals stay
// linear in row count.
type anchorIndex map[cellCoord]string

func (a anchorIndex) resolve(row, col int) (string, bool) {
	axis, ok := a[cellCoord{row: row, col: col}]
	return axis, ok
}

func buildAnchorIndex(f *excelize.File, sheet string) (anchorIndex, error) {
	ranges, err := f.GetMergeCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("read merged ranges: %w", err)
	}

	idx := make(anchorIndex)
	for _, mc := range ranges {
		startCol, startRow, err := excelize.CellNameToCoordinates(mc.GetStartAxis())
		if err != nil {
			return nil, err
		}
		endCol, endRow, err := excelize.CellNameToCoordinates(mc.GetEndAxis())
		if err != nil {
			return nil, err
		}
		anchor, err := excelize.CoordinatesToCellName(startCol, startRow)
		if err != nil {
			return nil, err
		}
		for row := startRow; row <= endRow; row++ {
			for col := startCol; col <= endCol; col++ {
				idx[cellCoord{row: row, col: col}] = anchor
			}
		}
	}
	return idx, nil
}
