package smartql

type fieldGroup struct {
	field  *FieldDefinition
	values []string
}

func (g *fieldGroup) match(r Record) bool {
	for _, v := range g.values {
		if g.field.Match(r, v) {
			return true
		}
	}
	return false
}

// Matcher is a compiled chip list: AND across fields, OR within a field.
type Matcher struct {
	groups []fieldGroup
}

// Compile groups chips by field in first-seen order. Chips naming an
// unknown field are dropped.
func (reg *Registry) Compile(chips []SearchChip) *Matcher {
	m := &Matcher{}
	index := make(map[string]int, len(chips))
	for _, c := range chips {
		f, ok := reg.byID[c.Field]
		if !ok {
			continue
		}
		i, seen := index[c.Field]
		if !seen {
			i = len(m.groups)
			index[c.Field] = i
			m.groups = append(m.groups, fieldGroup{field: f})
		}
		m.groups[i].values = append(m.groups[i].values, c.Value)
	}
	return m
}

// Empty reports whether the matcher accepts everything.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.groups) == 0
}

// Match reports whether r satisfies every field group.
func (m *Matcher) Match(r Record) bool {
	if m == nil {
		return true
	}
	for i := range m.groups {
		if !m.groups[i].match(r) {
			return false
		}
	}
	return true
}

// FilterRecords returns the records matching chips. With no effective
// chips the input slice itself is returned.
func FilterRecords[R Record](reg *Registry, records []R, chips []SearchChip) []R {
	if len(chips) == 0 {
		return records
	}
	m := reg.Compile(chips)
	if m.Empty() {
		return records
	}
	return Filter(m, records)
}

// Filter applies a compiled matcher.
func Filter[R Record](m *Matcher, records []R) []R {
	if m.Empty() {
		return records
	}
	out := make([]R, 0)
	if len(m.groups) == 1 {
		g := &m.groups[0]
		for _, r := range records {
			if g.match(r) {
				out = append(out, r)
			}
		}
		return out
	}
	for _, r := range records {
		if m.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
