// Package export renders filtered task lists as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

const (
	TasksSheet   = "Tasks"
	FiltersSheet = "Filters"
)

var header = []any{
	"Workflow", "Name", "Status", "Node", "Pod IP", "Exit Code", "Retry",
	"Start Time", "End Time", "Duration (s)",
}

// WriteXLSX writes tasks to w as a workbook with a Tasks sheet and a
// Filters sheet listing the chips that selected them.
func WriteXLSX(w io.Writer, tasks []model.Task, chips []smartql.SearchChip) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", TasksSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(TasksSheet, "A1", &header); err != nil {
		return err
	}
	for i, t := range tasks {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := taskRow(t)
		if err := f.SetSheetRow(TasksSheet, cell, &row); err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
	}

	if len(tasks) > 0 {
		last, err := excelize.CoordinatesToCellName(len(header), len(tasks)+1)
		if err != nil {
			return err
		}
		if err := f.AutoFilter(TasksSheet, "A1:"+last, nil); err != nil {
			return err
		}
	}
	if err := f.SetPanes(TasksSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}

	if _, err := f.NewSheet(FiltersSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(FiltersSheet, "A1", &[]any{"Field", "Value", "Label"}); err != nil {
		return err
	}
	for i, c := range chips {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(FiltersSheet, cell, &[]any{c.Field, c.Value, c.Label}); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func taskRow(t model.Task) []any {
	row := []any{t.WorkflowID, t.Name, string(t.Status), t.NodeName, t.PodIP, "", t.RetryID, "", "", ""}
	if code, ok := t.GetExitCode(); ok {
		row[5] = code
	}
	if ts, ok := t.GetStartTime(); ok {
		row[7] = ts.UTC().Format(time.RFC3339)
	}
	if ts, ok := t.GetEndTime(); ok {
		row[8] = ts.UTC().Format(time.RFC3339)
	}
	if t.Duration != nil {
		row[9] = *t.Duration
	}
	return row
}
