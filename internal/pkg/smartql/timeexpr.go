package smartql

import (
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TimeCacheSize bounds the natural-language parse cache.
const TimeCacheSize = 100

// isoMillis is the canonical instant format stored in chip values.
const isoMillis = "2006-01-02T15:04:05.000Z"

var lastPattern = regexp.MustCompile(`^last\s+(\d+)\s*(h|hours?|d|days?|m|minutes?|w|weeks?)$`)

// TimeFilter is a normalized time comparison ready to become a chip.
type TimeFilter struct {
	Display  string   `json:"display"`
	Value    string   `json:"value"`
	Operator Operator `json:"operator"`
}

// CacheStats reports resolver cache activity.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

type cachedTime struct {
	t  time.Time
	ok bool
}

// Resolver turns time expressions into instants.
//
// Parsed results are cached by lower-cased, trimmed input. Eviction is by
// insertion order: reads use Peek, so a hot key is never refreshed and the
// oldest inserted entry is dropped once the cache holds TimeCacheSize
// entries. Relative "last N<unit>" expressions bypass the cache.
type Resolver struct {
	parser DateParser
	cache  *lru.Cache[string, cachedTime]
	now    func() time.Time
	loc    *time.Location

	hits   atomic.Uint64
	misses atomic.Uint64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithLocation sets the zone used for display and calendar-day equality.
func WithLocation(loc *time.Location) ResolverOption {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// NewResolver creates a resolver around a date parsing backend. A nil
// parser selects NewDefaultDateParser.
func NewResolver(parser DateParser, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		parser: parser,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parser == nil {
		r.parser = NewDefaultDateParser(r.loc)
	}
	// Only fails for a non-positive size.
	r.cache, _ = lru.New[string, cachedTime](TimeCacheSize)
	return r
}

// Location returns the zone used for display.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Now returns the resolver clock reading.
func (r *Resolver) Now() time.Time {
	return r.now()
}

// Resolve parses a relative, absolute or natural-language expression.
func (r *Resolver) Resolve(input string) (time.Time, bool) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "" {
		return time.Time{}, false
	}
	if t, ok := r.resolveLast(key); ok {
		return t, true
	}

	if c, ok := r.cache.Peek(key); ok {
		r.hits.Add(1)
		return c.t, c.ok
	}
	r.misses.Add(1)

	t, ok := r.parser.Parse(strings.TrimSpace(input), r.now())
	r.cache.Add(key, cachedTime{t: t, ok: ok})
	return t, ok
}

func (r *Resolver) resolveLast(key string) (time.Time, bool) {
	m := lastPattern.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	var unit time.Duration
	switch m[2][0] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'm':
		unit = time.Minute
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return r.now().Add(-time.Duration(n) * unit), true
}

// Normalize resolves an operator-prefixed expression into a self-contained
// chip value ("<op><ISO instant>") and its display form.
func (r *Resolver) Normalize(input string) (TimeFilter, bool) {
	op, rest := ExtractOperator(input)
	t, ok := r.Resolve(rest)
	if !ok {
		return TimeFilter{}, false
	}
	return TimeFilter{
		Display:  r.Display(op, t),
		Value:    string(op) + FormatISO(t),
		Operator: op,
	}, true
}

// Display renders "Jan 2[, 2006] 3:04 PM", prefixed by the operator
// unless it is the default.
func (r *Resolver) Display(op Operator, t time.Time) string {
	local := t.In(r.loc)
	layout := "Jan 2 3:04 PM"
	if local.Year() != r.now().In(r.loc).Year() {
		layout = "Jan 2, 2006 3:04 PM"
	}
	s := local.Format(layout)
	if op != DefaultOperator {
		s = string(op) + s
	}
	return s
}

// Match compares a record instant against a time chip value. Values
// produced by Normalize carry an ISO instant; anything else goes through
// Resolve. "=" compares calendar days in the resolver location.
func (r *Resolver) Match(recordTime time.Time, filterValue string) bool {
	op, rest := ExtractOperator(filterValue)
	t, err := time.Parse(time.RFC3339Nano, rest)
	if err != nil {
		var ok bool
		if t, ok = r.Resolve(rest); !ok {
			return false
		}
	}

	if op == OpEqual {
		ry, rm, rd := recordTime.In(r.loc).Date()
		fy, fm, fd := t.In(r.loc).Date()
		return ry == fy && rm == fm && rd == fd
	}
	return op.Compare(float64(recordTime.UnixMilli()), float64(t.UnixMilli()))
}

// CacheLen returns the number of cached parse results.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

// CacheStats returns cache counters.
func (r *Resolver) CacheStats() CacheStats {
	return CacheStats{Hits: r.hits.Load(), Misses: r.misses.Load(), Size: r.cache.Len()}
}

// FormatISO renders an instant the way chip values store it.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoMillis)
}
