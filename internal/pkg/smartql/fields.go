package smartql

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/OSMO-sub002/internal/model"
)

// Record is the read-only view of a task that fields match against.
// Optional attributes report ok=false when absent.
type Record interface {
	GetName() string
	GetStatus() string
	GetRetryID() int
	GetNodeName() (string, bool)
	GetPodIP() (string, bool)
	GetExitCode() (int, bool)
	GetStartTime() (time.Time, bool)
	GetEndTime() (time.Time, bool)
	GetDuration() (time.Duration, bool)
}

// Built-in field ids.
const (
	FieldName     = "name"
	FieldState    = "state"
	FieldStatus   = "status"
	FieldNode     = "node"
	FieldIP       = "ip"
	FieldExit     = "exit"
	FieldRetry    = "retry"
	FieldDuration = "duration"
	FieldStarted  = "started"
	FieldEnded    = "ended"
)

// MaxFieldValues caps the candidate values a field lists.
const MaxFieldValues = 20

var (
	ErrDuplicateField  = errors.New("duplicate field id")
	ErrDuplicatePrefix = errors.New("duplicate field prefix")
	ErrInvalidField    = errors.New("invalid field definition")
)

// FieldDefinition describes one searchable dimension.
type FieldDefinition struct {
	ID     string
	Label  string
	Prefix string // "" for the default field, otherwise "word:"

	// FreeForm fields take typed expressions instead of enumerated values.
	FreeForm bool
	Hint     string

	// Key extracts the attribute that values and counts are drawn from.
	// Nil for free-form fields.
	Key func(r Record) (string, bool)
	// Substring marks fields whose Match is a substring test on Key.
	Substring bool

	Values func(records iter.Seq[Record]) []string
	Match  func(r Record, value string) bool

	// Normalize turns user input into the canonical chip value.
	// Nil accepts any non-empty trimmed input.
	Normalize func(raw string) (string, bool)
	// Display renders a canonical value for chip labels. Nil shows it as is.
	Display func(value string) string
}

func (f *FieldDefinition) normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if f.Normalize == nil {
		return s, true
	}
	return f.Normalize(s)
}

func (f *FieldDefinition) display(value string) string {
	if f.Display == nil {
		return value
	}
	return f.Display(value)
}

// Registry is an immutable, ordered set of fields indexed by id and prefix.
type Registry struct {
	fields   []*FieldDefinition
	byID     map[string]*FieldDefinition
	byPrefix map[string]*FieldDefinition
	def      *FieldDefinition
}

// NewRegistry validates and indexes field definitions.
func NewRegistry(fields ...*FieldDefinition) (*Registry, error) {
	reg := &Registry{
		fields:   make([]*FieldDefinition, 0, len(fields)),
		byID:     make(map[string]*FieldDefinition, len(fields)),
		byPrefix: make(map[string]*FieldDefinition, len(fields)),
	}
	for _, f := range fields {
		if f == nil || f.ID == "" || f.Match == nil {
			return nil, fmt.Errorf("%w: missing id or match", ErrInvalidField)
		}
		if _, dup := reg.byID[f.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, f.ID)
		}
		if f.Prefix == "" {
			if reg.def != nil {
				return nil, fmt.Errorf("%w: %s and %s both have an empty prefix", ErrDuplicatePrefix, reg.def.ID, f.ID)
			}
			reg.def = f
		} else {
			p := strings.ToLower(f.Prefix)
			if !strings.HasSuffix(p, ":") {
				return nil, fmt.Errorf("%w: prefix %q of %s must end with ':'", ErrInvalidField, f.Prefix, f.ID)
			}
			if other, dup := reg.byPrefix[p]; dup {
				return nil, fmt.Errorf("%w: %q used by %s and %s", ErrDuplicatePrefix, p, other.ID, f.ID)
			}
			reg.byPrefix[p] = f
		}
		reg.byID[f.ID] = f
		reg.fields = append(reg.fields, f)
	}
	return reg, nil
}

// MustNewRegistry is like NewRegistry but panics on invalid definitions.
func MustNewRegistry(fields ...*FieldDefinition) *Registry {
	reg, err := NewRegistry(fields...)
	if err != nil {
		panic(err)
	}
	return reg
}

// ByID returns the field with the given id.
func (reg *Registry) ByID(id string) (*FieldDefinition, bool) {
	f, ok := reg.byID[id]
	return f, ok
}

// ByPrefix returns the field registered for prefix ("status:"), case-insensitively.
func (reg *Registry) ByPrefix(prefix string) (*FieldDefinition, bool) {
	f, ok := reg.byPrefix[strings.ToLower(prefix)]
	return f, ok
}

// Default returns the field used for unprefixed input, if any.
func (reg *Registry) Default() *FieldDefinition {
	return reg.def
}

// Fields returns the fields in registration order.
func (reg *Registry) Fields() []*FieldDefinition {
	return reg.fields
}

// SplitPrefix separates a recognised "prefix:" from input. explicit is
// false when the input fell through to the default field.
func (reg *Registry) SplitPrefix(input string) (f *FieldDefinition, rest string, explicit bool) {
	s := strings.TrimLeft(input, " \t")
	if i := strings.IndexByte(s, ':'); i > 0 {
		if f, ok := reg.byPrefix[strings.ToLower(s[:i+1])]; ok {
			return f, s[i+1:], true
		}
	}
	return reg.def, s, false
}

// NewBuiltinRegistry returns the task fields. A nil resolver gets a
// default one.
func NewBuiltinRegistry(resolver *Resolver) *Registry {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return MustNewRegistry(
		&FieldDefinition{
			ID:        FieldName,
			Label:     "Name",
			Key:       func(r Record) (string, bool) { return r.GetName(), r.GetName() != "" },
			Substring: true,
			Match: func(r Record, v string) bool {
				return containsFold(r.GetName(), v)
			},
		},
		&FieldDefinition{
			ID:     FieldState,
			Label:  "State",
			Prefix: "state:",
			Key: func(r Record) (string, bool) {
				st, ok := model.StateOf(r.GetStatus())
				return string(st), ok
			},
			Values: func(iter.Seq[Record]) []string {
				out := make([]string, len(model.States))
				for i, st := range model.States {
					out[i] = string(st)
				}
				return out
			},
			Match: func(r Record, v string) bool {
				want, ok := model.ParseState(v)
				if !ok {
					return false
				}
				got, ok := model.StateOf(r.GetStatus())
				return ok && got == want
			},
			Normalize: func(raw string) (string, bool) {
				st, ok := model.ParseState(raw)
				return string(st), ok
			},
		},
		&FieldDefinition{
			ID:     FieldStatus,
			Label:  "Status",
			Prefix: "status:",
			Key: func(r Record) (string, bool) {
				s := strings.ToUpper(r.GetStatus())
				return s, s != ""
			},
			Match: func(r Record, v string) bool {
				return strings.EqualFold(r.GetStatus(), strings.TrimSpace(v))
			},
			Normalize: func(raw string) (string, bool) {
				return strings.ToUpper(raw), true
			},
		},
		&FieldDefinition{
			ID:        FieldNode,
			Label:     "Node",
			Prefix:    "node:",
			Key:       func(r Record) (string, bool) { return r.GetNodeName() },
			Substring: true,
			Match: func(r Record, v string) bool {
				node, ok := r.GetNodeName()
				return ok && containsFold(node, v)
			},
		},
		&FieldDefinition{
			ID:        FieldIP,
			Label:     "IP",
			Prefix:    "ip:",
			Key:       func(r Record) (string, bool) { return r.GetPodIP() },
			Substring: true,
			Match: func(r Record, v string) bool {
				ip, ok := r.GetPodIP()
				return ok && strings.Contains(ip, strings.TrimSpace(v))
			},
		},
		&FieldDefinition{
			ID:     FieldExit,
			Label:  "Exit Code",
			Prefix: "exit:",
			Key: func(r Record) (string, bool) {
				code, ok := r.GetExitCode()
				return strconv.Itoa(code), ok
			},
			Match: func(r Record, v string) bool {
				code, ok := r.GetExitCode()
				return ok && strconv.Itoa(code) == strings.TrimSpace(v)
			},
			Normalize: integerValue,
		},
		&FieldDefinition{
			ID:     FieldRetry,
			Label:  "Retry",
			Prefix: "retry:",
			Key: func(r Record) (string, bool) {
				return strconv.Itoa(r.GetRetryID()), true
			},
			Match: func(r Record, v string) bool {
				return strconv.Itoa(r.GetRetryID()) == strings.TrimSpace(v)
			},
			Normalize: integerValue,
		},
		&FieldDefinition{
			ID:       FieldDuration,
			Label:    "Duration",
			Prefix:   "duration:",
			FreeForm: true,
			Hint:     "e.g. >1h, <=30m, 1h30m, 45s (default >=)",
			Values:   presets(">1m", ">10m", ">1h", "<5m", "<30s"),
			Match: func(r Record, v string) bool {
				d, ok := r.GetDuration()
				if !ok {
					return false
				}
				return CompareWithOperator(float64(d)/float64(time.Millisecond), v, DurationMillis)
			},
			Normalize: func(raw string) (string, bool) {
				op, rest := ExtractOperator(raw)
				if _, ok := ParseDuration(rest); !ok {
					return "", false
				}
				return string(op) + rest, true
			},
		},
		timeField(FieldStarted, "Started", "started:", resolver, Record.GetStartTime),
		timeField(FieldEnded, "Ended", "ended:", resolver, Record.GetEndTime),
	)
}

func timeField(id, label, prefix string, res *Resolver, get func(Record) (time.Time, bool)) *FieldDefinition {
	return &FieldDefinition{
		ID:       id,
		Label:    label,
		Prefix:   prefix,
		FreeForm: true,
		Hint:     "e.g. last 2h, >=yesterday, <Dec 25 9am, =2024-01-05",
		Values:   presets("last 1h", "last 24h", "last 7d", "today", "yesterday"),
		Match: func(r Record, v string) bool {
			t, ok := get(r)
			return ok && res.Match(t, v)
		},
		Normalize: func(raw string) (string, bool) {
			tf, ok := res.Normalize(raw)
			return tf.Value, ok
		},
		Display: func(value string) string {
			op, rest := ExtractOperator(value)
			t, err := time.Parse(time.RFC3339Nano, rest)
			if err != nil {
				return value
			}
			return res.Display(op, t)
		},
	}
}

func presets(values ...string) func(iter.Seq[Record]) []string {
	return func(iter.Seq[Record]) []string { return values }
}

func integerValue(raw string) (string, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}

// FieldValues lists the distinct values of f over records in first-seen
// order, capped at MaxFieldValues. Fields with their own Values use it.
func FieldValues(f *FieldDefinition, records iter.Seq[Record]) []string {
	if f.Values != nil {
		return f.Values(records)
	}
	if f.Key == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for r := range records {
		v, ok := f.Key(r)
		if !ok {
			continue
		}
		k := strings.ToLower(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
		if len(out) == MaxFieldValues {
			break
		}
	}
	return out
}

// Seq adapts a typed record slice to the sequence fields consume.
func Seq[R Record](records []R) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(substr)))
}
