// Package export writes run history to spreadsheet files for offline
// analysis.
package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/cyw0ng95/descent/pkg/history"
)

// sheetName is the sheet holding the iteration records.
const sheetName = "Iterations"

var header = []string{"Run", "Iteration", "Final", "Best Raw", "Best Transformed", "Parents", "Recorded At"}

// WriteRunXLSX writes the iteration records of one run to an xlsx file.
func WriteRunXLSX(records []history.IterationRecord, path string) error {
	if len(records) == 0 {
		return fmt.Errorf("no records to export")
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}

	for col, title := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			return err
		}
	}

	for row, rec := range records {
		values := []interface{}{
			rec.RunID,
			rec.Iteration,
			strconv.FormatBool(rec.Final),
			rec.BestRaw,
			rec.BestTransformed,
			rec.Parents,
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return err
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
