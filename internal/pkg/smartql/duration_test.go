package smartql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		ok    bool
	}{
		{"1h30m", 90 * time.Minute, true},
		{"45s", 45 * time.Second, true},
		{"100ms", 100 * time.Millisecond, true},
		{"100", 100 * time.Second, true},
		{"1.5", 1500 * time.Millisecond, true},
		{"1.5h", 90 * time.Minute, true},
		{"2m500ms", 2*time.Minute + 500*time.Millisecond, true},
		{" 1h 2m 3s ", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"", 0, false},
		{"abc", 0, false},
		{"5x", 0, false},
		{"5h3", 0, false},
		{"-5", 0, false},
		{"h", 0, false},
		{"99999999999h", 0, false},
		{"9999999h", 0, false},
		{"2562047h", 2562047 * time.Hour, true},
		{"2562047h 2562047h", 0, false},
		{"99999999999999999999", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseDuration(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationMillis(t *testing.T) {
	ms, ok := DurationMillis("1h30m")
	assert.True(t, ok)
	assert.Equal(t, 5_400_000.0, ms)

	ms, ok = DurationMillis("100")
	assert.True(t, ok)
	assert.Equal(t, 100_000.0, ms)

	_, ok = DurationMillis("5x")
	assert.False(t, ok)

	_, ok = DurationMillis("9999999h")
	assert.False(t, ok, "overflowing durations must not wrap negative")
}
