package smartql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractOperator(t *testing.T) {
	tests := []struct {
		input string
		op    Operator
		rest  string
	}{
		{">=5", OpGreaterEqual, "5"},
		{"<=5", OpLessEqual, "5"},
		{">5", OpGreater, "5"},
		{"<5", OpLess, "5"},
		{"=5", OpEqual, "5"},
		{"5", OpGreaterEqual, "5"},
		{"  > 1h ", OpGreater, "1h"},
		{"", OpGreaterEqual, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			op, rest := ExtractOperator(tt.input)
			assert.Equal(t, tt.op, op)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestCompareWithOperator(t *testing.T) {
	assert.True(t, CompareWithOperator(7_200_000, ">1h", DurationMillis))
	assert.False(t, CompareWithOperator(3_600_000, ">1h", DurationMillis))
	assert.True(t, CompareWithOperator(3_600_000, "1h", DurationMillis))
	assert.True(t, CompareWithOperator(3_600_000, "=60m", DurationMillis))
	assert.True(t, CompareWithOperator(1_000, "<=1s", DurationMillis))
	assert.False(t, CompareWithOperator(1_000, "<bogus", DurationMillis))
}
