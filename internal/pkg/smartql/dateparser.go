package smartql

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateParser turns free-form date text into an instant. now anchors
// relative phrases such as "yesterday".
type DateParser interface {
	Parse(input string, now time.Time) (time.Time, bool)
}

// DateParserFunc adapts a function to DateParser.
type DateParserFunc func(input string, now time.Time) (time.Time, bool)

func (f DateParserFunc) Parse(input string, now time.Time) (time.Time, bool) {
	return f(input, now)
}

// ChainParser tries each parser in order and returns the first hit.
type ChainParser []DateParser

func (c ChainParser) Parse(input string, now time.Time) (time.Time, bool) {
	for _, p := range c {
		if t, ok := p.Parse(input, now); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Layouts carrying their own zone.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
}

// ISO layouts interpreted in the parser location.
var localLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Month-name layouts; matched against lower-cased input since the
// am/pm marker only parses in lower case.
var monthLayouts = []string{
	"Jan 2 2006 3:04pm",
	"Jan 2 2006 3pm",
	"Jan 2, 2006 3:04pm",
	"Jan 2, 2006",
	"Jan 2 2006",
}

// Month-name layouts without a year; the current year is assumed.
var yearlessLayouts = []string{
	"Jan 2 3:04pm",
	"Jan 2 3:04 pm",
	"Jan 2 3pm",
	"Jan 2 3 pm",
	"Jan 2 15:04",
	"Jan 2",
}

// LayoutParser recognises absolute timestamps in common layouts.
type LayoutParser struct {
	Location *time.Location
}

func (p LayoutParser) Parse(input string, now time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return time.Time{}, false
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}

	upper := strings.ToUpper(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, upper); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, upper, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range monthLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range yearlessLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return time.Date(now.In(loc).Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
		}
	}
	return time.Time{}, false
}

// NaturalParser wraps the olebedev/when rule engine for phrases like
// "yesterday", "last friday 5pm" or "2 hours ago".
type NaturalParser struct {
	w   *when.Parser
	loc *time.Location
}

// NewNaturalParser builds a parser with the English and common rule sets.
func NewNaturalParser(loc *time.Location) *NaturalParser {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &NaturalParser{w: w, loc: loc}
}

func (p *NaturalParser) Parse(input string, now time.Time) (time.Time, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, false
	}
	r, err := p.w.Parse(s, now.In(p.loc))
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}

// NewDefaultDateParser returns absolute layouts followed by natural language.
func NewDefaultDateParser(loc *time.Location) DateParser {
	return ChainParser{LayoutParser{Location: loc}, NewNaturalParser(loc)}
}
