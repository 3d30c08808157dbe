package smartql

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ChipParam is the URL query parameter chips are encoded under.
const ChipParam = "f"

var (
	ErrUnknownField  = errors.New("unknown field")
	ErrMalformedChip = errors.New("malformed chip")
	ErrInvalidTerm   = errors.New("invalid query term")
)

// SearchChip is one active filter in canonical form. Value is
// self-contained: time chips carry operator and absolute instant.
type SearchChip struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Label string `json:"label"`
}

// SingularFields admit at most one chip at a time.
var SingularFields = map[string]struct{}{
	FieldStarted:  {},
	FieldEnded:    {},
	FieldDuration: {},
}

// IsSingular reports whether a new chip for field replaces the old one.
func IsSingular(field string) bool {
	_, ok := SingularFields[field]
	return ok
}

// AddChip returns a new list with chip appended. A chip for a singular
// field replaces any existing chip of that field; an identical chip is
// not added twice.
func AddChip(chips []SearchChip, chip SearchChip) []SearchChip {
	out := make([]SearchChip, 0, len(chips)+1)
	for _, c := range chips {
		if c.Field == chip.Field && (c.Value == chip.Value || IsSingular(chip.Field)) {
			continue
		}
		out = append(out, c)
	}
	return append(out, chip)
}

// RemoveChip returns a new list without the chip at index i.
func RemoveChip(chips []SearchChip, i int) []SearchChip {
	if i < 0 || i >= len(chips) {
		return slices.Clone(chips)
	}
	return slices.Delete(slices.Clone(chips), i, i+1)
}

// PopChip drops the last chip, as Backspace on an empty input does.
func PopChip(chips []SearchChip) []SearchChip {
	if len(chips) == 0 {
		return chips
	}
	return slices.Clone(chips[:len(chips)-1])
}

// Label renders the display form of a chip value.
func (reg *Registry) Label(f *FieldDefinition, value string) string {
	if f.Prefix == "" {
		return f.display(value)
	}
	return f.Prefix + f.display(value)
}

// ChipFor normalizes a value for a known field.
func (reg *Registry) ChipFor(fieldID, raw string) (SearchChip, bool) {
	f, ok := reg.byID[fieldID]
	if !ok {
		return SearchChip{}, false
	}
	return reg.chip(f, raw)
}

func (reg *Registry) chip(f *FieldDefinition, raw string) (SearchChip, bool) {
	v, ok := f.normalize(raw)
	if !ok {
		return SearchChip{}, false
	}
	return SearchChip{Field: f.ID, Value: v, Label: reg.Label(f, v)}, true
}

// ChipFromInput builds a chip from typed "prefix:value" or bare text.
// It fails when the value does not normalize, in which case the input
// should be left for the user to correct.
func (reg *Registry) ChipFromInput(raw string) (SearchChip, bool) {
	f, rest, _ := reg.SplitPrefix(raw)
	if f == nil {
		return SearchChip{}, false
	}
	return reg.chip(f, rest)
}

// ChipFromSuggestion builds the chip an accepted suggestion stands for.
// Field and hint suggestions complete the input instead.
func (reg *Registry) ChipFromSuggestion(s Suggestion) (SearchChip, bool) {
	switch s.Kind {
	case KindValue, KindState, KindStatus:
		return reg.ChipFor(s.Field, s.Value)
	default:
		return SearchChip{}, false
	}
}

// EncodeChips renders chips as a URL query string (f=field:value&...).
func EncodeChips(chips []SearchChip) string {
	q := url.Values{}
	for _, c := range chips {
		q.Add(ChipParam, c.Field+":"+c.Value)
	}
	return q.Encode()
}

// DecodeChips parses the output of EncodeChips. Values are kept as
// encoded and labels are recomputed.
func (reg *Registry) DecodeChips(query string) ([]SearchChip, error) {
	q, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("decode chips: %w", err)
	}
	return reg.ChipsFromParams(q[ChipParam])
}

// ChipsFromParams decodes "field:value" parameters.
func (reg *Registry) ChipsFromParams(params []string) ([]SearchChip, error) {
	chips := make([]SearchChip, 0, len(params))
	for _, p := range params {
		id, value, ok := strings.Cut(p, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedChip, p)
		}
		f, ok := reg.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, id)
		}
		chips = append(chips, SearchChip{Field: id, Value: value, Label: reg.Label(f, value)})
	}
	return chips, nil
}

// ParseQuery turns a whole query line into chips, applying AddChip
// rules term by term.
func (reg *Registry) ParseQuery(text string) ([]SearchChip, error) {
	tokens, err := NewLexer(text).Tokens()
	if err != nil {
		return nil, err
	}
	var chips []SearchChip
	for _, tok := range tokens {
		c, ok := reg.ChipFromInput(tok.Value)
		if !ok {
			return nil, fmt.Errorf("%w at %d: %q", ErrInvalidTerm, tok.Pos, tok.Value)
		}
		chips = AddChip(chips, c)
	}
	return chips, nil
}
