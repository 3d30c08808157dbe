package smartql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

func names(tasks []model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func TestFilterRecordsEmptyIsIdentity(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()

	got := FilterRecords(reg, tasks, nil)
	require.Len(t, got, len(tasks))
	assert.Same(t, &tasks[0], &got[0])

	got = FilterRecords(reg, tasks, []SearchChip{{Field: "bogus", Value: "x"}})
	assert.Same(t, &tasks[0], &got[0])
}

func TestFilterRecordsStateScenario(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()
	chips := []SearchChip{{Field: FieldState, Value: "completed", Label: "state:completed"}}

	assert.Len(t, FilterRecords(reg, tasks, chips), 7)

	chips = AddChip(chips, SearchChip{Field: FieldState, Value: "failed", Label: "state:failed"})
	assert.Len(t, FilterRecords(reg, tasks, chips), 8)
}

func TestFilterRecordsOrWithinField(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()

	got := FilterRecords(reg, tasks, []SearchChip{
		{Field: FieldStatus, Value: "FAILED_IMAGE_PULL"},
		{Field: FieldStatus, Value: "RUNNING"},
	})
	assert.ElementsMatch(t, []string{"eval-a", "export"}, names(got))
}

func TestFilterRecordsAndAcrossFields(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()

	got := FilterRecords(reg, tasks, []SearchChip{
		{Field: FieldNode, Value: "dgx-02"},
		{Field: FieldState, Value: "failed"},
	})
	assert.Equal(t, []string{"export"}, names(got))

	got = FilterRecords(reg, tasks, []SearchChip{
		{Field: FieldNode, Value: "dgx-02"},
		{Field: FieldStatus, Value: "COMPLETED"},
	})
	assert.Empty(t, got)
}

func TestFilterRecordsIgnoresUnknownFields(t *testing.T) {
	reg := testRegistry()
	tasks := scenarioTasks()

	got := FilterRecords(reg, tasks, []SearchChip{
		{Field: "bogus", Value: "x"},
		{Field: FieldName, Value: "eval"},
	})
	assert.Equal(t, []string{"eval-a", "eval-b"}, names(got))
}

func TestMatcherShortCircuits(t *testing.T) {
	var calls []string
	counting := func(id, prefix string, result bool) *FieldDefinition {
		return &FieldDefinition{ID: id, Prefix: prefix, Match: func(_ Record, v string) bool {
			calls = append(calls, id+"="+v)
			return result
		}}
	}
	reg := MustNewRegistry(counting("a", "a:", true), counting("b", "b:", false), counting("c", "c:", true))

	m := reg.Compile([]SearchChip{
		{Field: "a", Value: "1"},
		{Field: "a", Value: "2"},
		{Field: "b", Value: "1"},
		{Field: "b", Value: "2"},
		{Field: "c", Value: "1"},
	})
	assert.False(t, m.Match(model.Task{}))
	assert.Equal(t, []string{"a=1", "b=1", "b=2"}, calls)
}

func TestCompileGroupsInFirstSeenOrder(t *testing.T) {
	reg := testRegistry()
	m := reg.Compile([]SearchChip{
		{Field: FieldStatus, Value: "A"},
		{Field: FieldNode, Value: "n"},
		{Field: FieldStatus, Value: "B"},
	})
	require.Len(t, m.groups, 2)
	assert.Equal(t, FieldStatus, m.groups[0].field.ID)
	assert.Equal(t, []string{"A", "B"}, m.groups[0].values)
	assert.Equal(t, FieldNode, m.groups[1].field.ID)
	assert.True(t, (*Matcher)(nil).Match(model.Task{}))
}
