package smartql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func testRegistry() *Registry {
	return NewBuiltinRegistry(newTestResolver(DateParserFunc(func(string, time.Time) (time.Time, bool) {
		return time.Time{}, false
	})))
}

// scenarioTasks has 7 completed, 2 running and 1 failed task.
func scenarioTasks() []model.Task {
	start := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	var tasks []model.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, model.Task{
			Name:      "train-shard-" + string(rune('a'+i)),
			Status:    model.StatusCompleted,
			NodeName:  "dgx-01",
			PodIP:     "10.0.0.1",
			ExitCode:  intPtr(0),
			StartTime: timePtr(start.Add(time.Duration(i) * time.Hour)),
			EndTime:   timePtr(start.Add(time.Duration(i)*time.Hour + 30*time.Minute)),
			Duration:  floatPtr(1800),
		})
	}
	tasks = append(tasks,
		model.Task{Name: "eval-a", Status: model.StatusRunning, NodeName: "dgx-02", PodIP: "10.0.0.2",
			StartTime: timePtr(start.Add(24 * time.Hour))},
		model.Task{Name: "eval-b", Status: model.StatusInitializing, RetryID: 1},
		model.Task{Name: "export", Status: model.StatusFailedImagePull, NodeName: "dgx-02",
			ExitCode: intPtr(137), Duration: floatPtr(7200)},
	)
	return tasks
}

func TestNewRegistryValidation(t *testing.T) {
	match := func(Record, string) bool { return true }

	_, err := NewRegistry(
		&FieldDefinition{ID: "a", Match: match},
		&FieldDefinition{ID: "a", Prefix: "b:", Match: match},
	)
	assert.ErrorIs(t, err, ErrDuplicateField)

	_, err = NewRegistry(
		&FieldDefinition{ID: "a", Match: match},
		&FieldDefinition{ID: "b", Match: match},
	)
	assert.ErrorIs(t, err, ErrDuplicatePrefix)

	_, err = NewRegistry(
		&FieldDefinition{ID: "a", Prefix: "x:", Match: match},
		&FieldDefinition{ID: "b", Prefix: "X:", Match: match},
	)
	assert.ErrorIs(t, err, ErrDuplicatePrefix)

	_, err = NewRegistry(&FieldDefinition{ID: "a", Prefix: "x", Match: match})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = NewRegistry(&FieldDefinition{ID: "a"})
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestBuiltinRegistry(t *testing.T) {
	reg := testRegistry()

	var ids []string
	for _, f := range reg.Fields() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{
		FieldName, FieldState, FieldStatus, FieldNode, FieldIP,
		FieldExit, FieldRetry, FieldDuration, FieldStarted, FieldEnded,
	}, ids)
	assert.Equal(t, FieldName, reg.Default().ID)

	f, ok := reg.ByPrefix("Status:")
	require.True(t, ok)
	assert.Equal(t, FieldStatus, f.ID)

	f, rest, explicit := reg.SplitPrefix("node:dgx")
	assert.True(t, explicit)
	assert.Equal(t, FieldNode, f.ID)
	assert.Equal(t, "dgx", rest)

	f, rest, explicit = reg.SplitPrefix("foo:bar")
	assert.False(t, explicit)
	assert.Equal(t, FieldName, f.ID)
	assert.Equal(t, "foo:bar", rest)
}

func TestBuiltinMatch(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()
	completed, running, uninit, failed := tasks[0], tasks[7], tasks[8], tasks[9]

	tests := []struct {
		field string
		value string
		rec   model.Task
		want  bool
	}{
		{FieldName, "SHARD", completed, true},
		{FieldName, "eval", completed, false},
		{FieldState, "completed", completed, true},
		{FieldState, "running", uninit, true},
		{FieldState, "failed", failed, true},
		{FieldState, "bogus", failed, false},
		{FieldStatus, "failed_image_pull", failed, true},
		{FieldStatus, "FAILED", failed, false},
		{FieldNode, "DGX-02", running, true},
		{FieldNode, "dgx", uninit, false},
		{FieldIP, "10.0.0", completed, true},
		{FieldIP, "10", uninit, false},
		{FieldExit, "137", failed, true},
		{FieldExit, "0", uninit, false},
		{FieldRetry, "1", uninit, true},
		{FieldRetry, "0", uninit, false},
		{FieldDuration, ">1h", failed, true},
		{FieldDuration, ">1h", completed, false},
		{FieldDuration, "=30m", completed, true},
		{FieldDuration, "<1h", uninit, false},
		{FieldStarted, "=2024-01-05T00:00:00.000Z", completed, true},
		{FieldStarted, ">=2024-01-06T00:00:00.000Z", running, true},
		{FieldStarted, ">=2024-01-01T00:00:00.000Z", uninit, false},
		{FieldEnded, "<2024-01-05T13:00:00.000Z", completed, true},
		{FieldEnded, "<2024-01-05T13:00:00.000Z", running, false},
	}

	for _, tt := range tests {
		t.Run(tt.field+":"+tt.value, func(t *testing.T) {
			f, ok := reg.ByID(tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.want, f.Match(tt.rec, tt.value))
		})
	}
}

func TestFieldValues(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()

	node, _ := reg.ByID(FieldNode)
	assert.Equal(t, []string{"dgx-01", "dgx-02"}, FieldValues(node, Seq(tasks)))

	state, _ := reg.ByID(FieldState)
	assert.Equal(t, []string{"completed", "running", "failed", "pending"}, FieldValues(state, Seq(tasks)))

	var many []model.Task
	for i := 0; i < 50; i++ {
		many = append(many, model.Task{Name: "task-" + string(rune('A'+i))})
	}
	name, _ := reg.ByID(FieldName)
	assert.Len(t, FieldValues(name, Seq(many)), MaxFieldValues)
}
