package smartql

import "strings"

// Operator is a comparison prefix on numeric and time filter values.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="

	// DefaultOperator applies when a value carries no prefix.
	DefaultOperator = OpGreaterEqual
)

// Two-character operators come first so ">=" is never read as ">" + "=".
var operatorPrecedence = []Operator{OpGreaterEqual, OpLessEqual, OpGreater, OpLess, OpEqual}

// ExtractOperator splits an optional operator prefix from a filter value.
func ExtractOperator(input string) (Operator, string) {
	s := strings.TrimSpace(input)
	for _, op := range operatorPrecedence {
		if strings.HasPrefix(s, string(op)) {
			return op, strings.TrimSpace(s[len(op):])
		}
	}
	return DefaultOperator, s
}

// Compare applies the operator to two numbers.
func (op Operator) Compare(a, b float64) bool {
	switch op {
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	default:
		return false
	}
}

// CompareWithOperator compares recordValue against an operator-prefixed
// filter value. A remainder the parser rejects never matches.
func CompareWithOperator(recordValue float64, filterValue string, parse func(string) (float64, bool)) bool {
	op, rest := ExtractOperator(filterValue)
	v, ok := parse(rest)
	if !ok {
		return false
	}
	return op.Compare(recordValue, v)
}
