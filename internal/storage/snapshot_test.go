package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks_1.snap")

	start := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	code := 137
	dur := 90.5
	tasks := []model.Task{
		{
			WorkflowID: "wf-1", Name: "train", Status: model.StatusFailedImagePull,
			NodeName: "dgx-01", PodIP: "10.0.0.1", ExitCode: &code, RetryID: 2,
			StartTime: &start, EndTime: &end, Duration: &dur,
		},
		{Name: "pending", Status: model.StatusWaiting},
	}

	w, err := NewSnapshotWriter()
	require.NoError(t, err)
	require.NoError(t, w.WriteSnapshot(path, tasks))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	r, err := NewSnapshotReader()
	require.NoError(t, err)

	ft, err := r.ReadFooter(path)
	require.NoError(t, err)
	assert.Equal(t, 2, ft.RowCount)
	assert.True(t, start.Equal(ft.MinStart))
	assert.True(t, start.Equal(ft.MaxStart))

	got, err := r.ReadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.Equal(t, model.StatusFailedImagePull, got[0].Status)
	require.NotNil(t, got[0].ExitCode)
	assert.Equal(t, 137, *got[0].ExitCode)
	assert.True(t, start.Equal(*got[0].StartTime))
	assert.True(t, end.Equal(*got[0].EndTime))
	assert.Equal(t, 90.5, *got[0].Duration)
	assert.Equal(t, 2, got[0].RetryID)

	assert.Equal(t, "pending", got[1].Name)
	assert.Nil(t, got[1].ExitCode)
	assert.Nil(t, got[1].StartTime)
	assert.Nil(t, got[1].Duration)
}

func TestSnapshotEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.snap")

	w, err := NewSnapshotWriter()
	require.NoError(t, err)
	require.NoError(t, w.WriteSnapshot(path, nil))

	r, err := NewSnapshotReader()
	require.NoError(t, err)
	got, err := r.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSnapshotInvalidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap")
	require.NoError(t, os.WriteFile(path, []byte("NOTASNAPFILE-and-some-padding-bytes"), 0644))

	r, err := NewSnapshotReader()
	require.NoError(t, err)
	_, err = r.ReadSnapshot(path)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}
