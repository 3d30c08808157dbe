package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
)

func TestWriteXLSX(t *testing.T) {
	start := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	code := 137
	dur := 90.0
	tasks := []model.Task{
		{WorkflowID: "wf-1", Name: "train", Status: model.StatusFailed, NodeName: "dgx-01",
			ExitCode: &code, StartTime: &start, Duration: &dur},
		{WorkflowID: "wf-1", Name: "eval", Status: model.StatusWaiting, RetryID: 2},
	}
	chips := []smartql.SearchChip{{Field: "node", Value: "dgx-01", Label: "node:dgx-01"}}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, tasks, chips))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{TasksSheet, FiltersSheet}, f.GetSheetList())

	rows, err := f.GetRows(TasksSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Workflow", rows[0][0])
	assert.Equal(t, []string{"wf-1", "train", "FAILED", "dgx-01", "", "137", "0", "2024-01-05T12:00:00Z", "", "90"}, rows[1])
	assert.Equal(t, "2", rows[2][6])

	filters, err := f.GetRows(FiltersSheet)
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, []string{"node", "dgx-01", "node:dgx-01"}, filters[1])
}
