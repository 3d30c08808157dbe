package smartql

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// ms must be tried before m.
	{"ms", time.Millisecond},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// maxNanos is the first nanosecond count that no longer fits a Duration.
const maxNanos = float64(math.MaxInt64)

// ParseDuration parses human-entered durations such as "1h30m", "45s" or
// "100ms". Every character of the trimmed input must belong to a
// <number><unit> token. A bare number with no unit at all is read as seconds.
func ParseDuration(input string) (time.Duration, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, false
	}

	var total float64
	matched := 0
	pos := 0
	for pos < len(s) {
		for pos < len(s) && s[pos] == ' ' {
			pos++
		}
		if pos >= len(s) {
			break
		}

		numEnd := scanNumber(s, pos)
		if numEnd == pos {
			break
		}
		unit, unitLen := matchUnit(s[numEnd:])
		if unitLen == 0 {
			break
		}
		n, err := strconv.ParseFloat(s[pos:numEnd], 64)
		if err != nil {
			break
		}
		total += n * float64(unit)
		if total >= maxNanos {
			return 0, false
		}
		matched++
		pos = numEnd + unitLen
	}

	if matched > 0 {
		if pos == len(s) {
			return time.Duration(total), true
		}
		return 0, false
	}

	// No unit token at all: plain seconds.
	if scanNumber(s, 0) != len(s) {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 || n*float64(time.Second) >= maxNanos {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

// DurationMillis is ParseDuration expressed in milliseconds, the unit
// duration filters are compared in.
func DurationMillis(input string) (float64, bool) {
	d, ok := ParseDuration(input)
	if !ok {
		return 0, false
	}
	return float64(d) / float64(time.Millisecond), true
}

// scanNumber returns the end of an unsigned decimal starting at pos.
func scanNumber(s string, pos int) int {
	i := pos
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == pos {
		return pos
	}
	if i+1 < len(s) && s[i] == '.' && isDigit(s[i+1]) {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	return i
}

func matchUnit(rest string) (time.Duration, int) {
	for _, u := range durationUnits {
		if strings.HasPrefix(rest, u.suffix) {
			return u.unit, len(u.suffix)
		}
	}
	return 0, 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
