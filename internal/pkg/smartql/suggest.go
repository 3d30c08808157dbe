package smartql

import (
	"iter"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// SuggestionKind tags an autocomplete item.
type SuggestionKind string

const (
	KindField  SuggestionKind = "field"  // completes a "prefix:"
	KindValue  SuggestionKind = "value"  // concrete value with a live count
	KindState  SuggestionKind = "state"  // state category, aggregate count
	KindStatus SuggestionKind = "status" // status under a state category
	KindHint   SuggestionKind = "hint"   // format help for free-form fields
)

const (
	maxNameMatches = 5
	maxNodeMatches = 3
	minDirectInput = 3
)

// Suggestion is one autocomplete item.
type Suggestion struct {
	Kind   SuggestionKind `json:"kind"`
	Field  string         `json:"field"`
	Value  string         `json:"value"`
	Label  string         `json:"label"`
	Count  int            `json:"count"`
	Parent string         `json:"parent,omitempty"`
}

// histogram counts case-folded values, remembering first-seen spelling.
type histogram struct {
	order  []string
	counts map[string]int
}

func (h *histogram) add(v string) {
	k := strings.ToLower(v)
	if _, ok := h.counts[k]; !ok {
		h.order = append(h.order, v)
	}
	h.counts[k]++
}

func (h *histogram) exact(v string) int {
	return h.counts[strings.ToLower(strings.TrimSpace(v))]
}

func (h *histogram) substring(v string) int {
	q := strings.ToLower(strings.TrimSpace(v))
	n := 0
	for k, c := range h.counts {
		if strings.Contains(k, q) {
			n += c
		}
	}
	return n
}

// aggregate holds every count a suggestion list needs, built in one pass.
type aggregate struct {
	fields map[string]*histogram
}

// newAggregate histograms the keys of fields, which must have a Key.
func newAggregate(records iter.Seq[Record], fields ...*FieldDefinition) *aggregate {
	a := &aggregate{fields: make(map[string]*histogram, len(fields))}
	for _, f := range fields {
		a.fields[f.ID] = &histogram{counts: make(map[string]int)}
	}
	for r := range records {
		for _, f := range fields {
			if v, ok := f.Key(r); ok {
				a.fields[f.ID].add(v)
			}
		}
	}
	return a
}

func keyedFields(reg *Registry) []*FieldDefinition {
	var keyed []*FieldDefinition
	for _, f := range reg.fields {
		if f.Key != nil {
			keyed = append(keyed, f)
		}
	}
	return keyed
}

func (a *aggregate) count(f *FieldDefinition, value string) int {
	h, ok := a.fields[f.ID]
	if !ok {
		return 0
	}
	if f.Substring {
		return h.substring(value)
	}
	return h.exact(value)
}

// stateCounts sums the status histogram into categories.
func (a *aggregate) stateCounts() (map[model.State]int, map[model.State][]string) {
	totals := make(map[model.State]int)
	members := make(map[model.State][]string)
	h, ok := a.fields[FieldStatus]
	if !ok {
		return totals, members
	}
	for _, st := range model.States {
		for _, s := range model.StateMembers(st) {
			if n := h.exact(string(s)); n > 0 {
				totals[st] += n
				members[st] = append(members[st], string(s))
			}
		}
	}
	// Statuses outside the known set, such as new FAILED_* values.
	for _, v := range h.order {
		if slices.Contains(model.AllStatuses(), model.Status(strings.ToUpper(v))) {
			continue
		}
		if st, ok := model.StateOf(v); ok {
			totals[st] += h.exact(v)
			members[st] = append(members[st], strings.ToUpper(v))
		}
	}
	return totals, members
}

// Suggest builds autocomplete items for the text being typed.
func Suggest[R Record](reg *Registry, input string, records []R) []Suggestion {
	return SuggestSeq(reg, input, Seq(records))
}

// SuggestSeq is Suggest over an arbitrary record sequence.
func SuggestSeq(reg *Registry, input string, records iter.Seq[Record]) []Suggestion {
	if strings.TrimSpace(input) == "" {
		return fieldHints(reg, "")
	}

	f, rest, explicit := reg.SplitPrefix(input)
	if explicit {
		return valueSuggestions(reg, f, rest, records)
	}
	return dispatch(reg, strings.ToLower(strings.TrimSpace(input)), records)
}

// fieldHints lists prefixed fields other than state, filtered by q.
func fieldHints(reg *Registry, q string) []Suggestion {
	var out []Suggestion
	for _, f := range reg.fields {
		if f.Prefix == "" || f.ID == FieldState {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(f.Prefix), q) && !strings.Contains(strings.ToLower(f.Label), q) {
			continue
		}
		out = append(out, Suggestion{Kind: KindField, Field: f.ID, Value: f.Prefix, Label: f.Label})
	}
	return out
}

func valueSuggestions(reg *Registry, f *FieldDefinition, rest string, records iter.Seq[Record]) []Suggestion {
	var out []Suggestion
	if f.FreeForm {
		out = append(out, Suggestion{Kind: KindHint, Field: f.ID, Label: f.Hint})
	}

	q := strings.ToLower(strings.TrimSpace(rest))
	keep := func(v string) bool { return strings.Contains(strings.ToLower(v), q) }

	var candidates []string
	var counts []int
	if f.Key != nil {
		// Candidates and counts share one pass.
		a := newAggregate(records, f)
		values := a.fields[f.ID].order
		if f.Values != nil {
			values = f.Values(records)
		} else if len(values) > MaxFieldValues {
			values = values[:MaxFieldValues]
		}
		for _, v := range values {
			if keep(v) {
				candidates = append(candidates, v)
				counts = append(counts, a.count(f, v))
			}
		}
	} else {
		for _, v := range FieldValues(f, records) {
			if keep(v) {
				candidates = append(candidates, v)
			}
		}
		if len(candidates) > 0 {
			counts = matchCounts(f, candidates, records)
		}
	}

	for i, v := range candidates {
		out = append(out, Suggestion{
			Kind:  KindValue,
			Field: f.ID,
			Value: v,
			Label: reg.Label(f, v),
			Count: counts[i],
		})
	}
	return out
}

// matchCounts evaluates every candidate in a single pass over records.
func matchCounts(f *FieldDefinition, candidates []string, records iter.Seq[Record]) []int {
	counts := make([]int, len(candidates))
	for r := range records {
		for i, v := range candidates {
			if f.Match(r, v) {
				counts[i]++
			}
		}
	}
	return counts
}

func dispatch(reg *Registry, q string, records iter.Seq[Record]) []Suggestion {
	a := newAggregate(records, keyedFields(reg)...)
	var out []Suggestion

	var matchedStates []model.State
	for _, st := range model.States {
		if strings.Contains(string(st), q) {
			matchedStates = append(matchedStates, st)
		}
	}
	if len(matchedStates) > 0 {
		totals, members := a.stateCounts()
		for _, st := range matchedStates {
			out = append(out, Suggestion{
				Kind:  KindState,
				Field: FieldState,
				Value: string(st),
				Label: string(st),
				Count: totals[st],
			})
			for _, s := range members[st] {
				out = append(out, Suggestion{
					Kind:   KindStatus,
					Field:  FieldStatus,
					Value:  s,
					Label:  s,
					Count:  a.fields[FieldStatus].exact(s),
					Parent: string(st),
				})
			}
		}
	}

	out = append(out, fieldHints(reg, q)...)

	if len(q) >= minDirectInput || len(matchedStates) == 0 {
		if f, ok := reg.byID[FieldName]; ok {
			out = append(out, rankedMatches(reg, a, f, q, maxNameMatches)...)
		}
		if f, ok := reg.byID[FieldNode]; ok {
			out = append(out, rankedMatches(reg, a, f, q, maxNodeMatches)...)
		}
	}
	return out
}

// rankedMatches returns the distinct values of f containing q, best fuzzy
// score first.
func rankedMatches(reg *Registry, a *aggregate, f *FieldDefinition, q string, limit int) []Suggestion {
	h, ok := a.fields[f.ID]
	if !ok {
		return nil
	}
	var candidates []string
	for _, v := range h.order {
		if strings.Contains(strings.ToLower(v), q) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	idx := fuzzyOrder(q, candidates)
	out := make([]Suggestion, 0, min(limit, len(idx)))
	for _, i := range idx[:min(limit, len(idx))] {
		v := candidates[i]
		out = append(out, Suggestion{
			Kind:  KindValue,
			Field: f.ID,
			Value: v,
			Label: reg.Label(f, v),
			Count: a.count(f, v),
		})
	}
	return out
}

// fuzzyOrder returns candidate indexes, best fuzzy score for q first.
// Ties keep their original order.
func fuzzyOrder(q string, candidates []string) []int {
	score := make(map[int]int, len(candidates))
	for _, m := range fuzzy.Find(q, candidates) {
		score[m.Index] = m.Score
	}
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(x, y int) int {
		sx, okx := score[x]
		sy, oky := score[y]
		if okx != oky {
			if okx {
				return -1
			}
			return 1
		}
		return sy - sx
	})
	return idx
}

// LimitSuggestions re-applies the per-field value limits to a list merged
// from several sources that answered the same input. Bare input keeps the
// best name and node matches; prefixed input keeps MaxFieldValues values.
// Each capped group stays where its first entry was.
func (reg *Registry) LimitSuggestions(input string, items []Suggestion) []Suggestion {
	limits := make(map[string]int)
	q := ""
	if _, _, explicit := reg.SplitPrefix(input); explicit {
		for _, s := range items {
			if s.Kind == KindValue {
				limits[s.Field] = MaxFieldValues
			}
		}
	} else {
		q = strings.ToLower(strings.TrimSpace(input))
		limits[FieldName] = maxNameMatches
		limits[FieldNode] = maxNodeMatches
	}

	groups := make(map[string][]Suggestion)
	for _, s := range items {
		if _, ok := limits[s.Field]; ok && s.Kind == KindValue {
			groups[s.Field] = append(groups[s.Field], s)
		}
	}
	for field, g := range groups {
		if q != "" {
			values := make([]string, len(g))
			for i, s := range g {
				values[i] = s.Value
			}
			ranked := make([]Suggestion, len(g))
			for i, j := range fuzzyOrder(q, values) {
				ranked[i] = g[j]
			}
			g = ranked
		}
		groups[field] = g[:min(limits[field], len(g))]
	}

	out := make([]Suggestion, 0, len(items))
	emitted := make(map[string]bool)
	for _, s := range items {
		g, ok := groups[s.Field]
		if !ok || s.Kind != KindValue {
			out = append(out, s)
			continue
		}
		if !emitted[s.Field] {
			out = append(out, g...)
			emitted[s.Field] = true
		}
	}
	return out
}
