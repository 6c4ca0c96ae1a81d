package rule

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	// OpEqual matches equal values.
	OpEqual Operator = "=="
	// OpNotEqual matches different or missing values.
	OpNotEqual Operator = "!="
	// OpGreater is a numeric comparison.
	OpGreater Operator = ">"
	// OpGreaterOrEqual is a numeric comparison.
	OpGreaterOrEqual Operator = ">="
	// OpLess is a numeric comparison.
	OpLess Operator = "<"
	// OpLessOrEqual is a numeric comparison.
	OpLessOrEqual Operator = "<="
	// OpIn matches when the value is one of a list.
	OpIn Operator = "in"
	// OpNotIn matches when the value is missing or not in a list.
	OpNotIn Operator = "not_in"
	// OpContains matches substrings and list members.
	OpContains Operator = "contains"
)

// ParseOperator converts the DSL spelling of an operator. "=" and "eq"-style
// aliases are accepted for hand-written rules.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "==", "=", "eq":
		return OpEqual, true
	case "!=", "ne":
		return OpNotEqual, true
	case ">", "gt":
		return OpGreater, true
	case ">=", "gte":
		return OpGreaterOrEqual, true
	case "<", "lt":
		return OpLess, true
	case "<=", "lte":
		return OpLessOrEqual, true
	case "in":
		return OpIn, true
	case "not_in", "nin":
		return OpNotIn, true
	case "contains":
		return OpContains, true
	default:
		return "", false
	}
}

func (o Operator) numeric() bool {
	return o == OpGreater || o == OpGreaterOrEqual || o == OpLess || o == OpLessOrEqual
}

// Condition is a node of the trigger tree: either a group (All or Any) or a leaf.
type Condition struct {
	// All holds children that must all match.
	All []*Condition
	// Any holds children of which at least one must match.
	Any []*Condition
	// Field is the leaf field path.
	Field string
	// Op is the leaf operator.
	Op Operator
	// Value is the leaf operand.
	Value any
}

// Leaf builds a leaf condition.
func Leaf(field string, op Operator, value any) *Condition {
	return &Condition{
		Field: field,
		Op:    op,
		Value: value,
	}
}

// IsLeaf reports whether c is a comparison rather than a group.
func (c *Condition) IsLeaf() bool {
	return c.All == nil && c.Any == nil
}

// Evaluate reports whether c holds for the subject. An empty All group is
// true and an empty Any group is false.
func (c *Condition) Evaluate(s Subject) bool {
	switch {
	case c == nil:
		return false
	case c.All != nil:
		for _, child := range c.All {
			if !child.Evaluate(s) {
				return false
			}
		}

		return true
	case c.Any != nil:
		for _, child := range c.Any {
			if child.Evaluate(s) {
				return true
			}
		}

		return false
	}

	actual, found := s.Lookup(c.Field)

	return compare(c.Op, actual, found, c.Value)
}

func compare(op Operator, actual any, found bool, expected any) bool {
	if !found || actual == nil {
		return op == OpNotEqual || op == OpNotIn
	}

	switch op {
	case OpEqual:
		return equal(actual, expected)
	case OpNotEqual:
		return !equal(actual, expected)
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		return compareNumbers(op, actual, expected)
	case OpIn:
		return member(actual, expected)
	case OpNotIn:
		return !member(actual, expected)
	case OpContains:
		return contains(actual, expected)
	default:
		return false
	}
}

func compareNumbers(op Operator, actual, expected any) bool {
	a, ok := toFloat(actual, true)
	if !ok {
		return false
	}

	b, ok := toFloat(expected, true)
	if !ok {
		return false
	}

	switch op {
	case OpGreater:
		return a > b
	case OpGreaterOrEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessOrEqual:
		return a <= b
	case OpEqual, OpNotEqual, OpIn, OpNotIn, OpContains:
	}

	return false
}

// equal compares numbers numerically and everything else by text.
func equal(a, b any) bool {
	af, aNumeric := toFloat(a, false)
	bf, bNumeric := toFloat(b, false)

	if aNumeric && bNumeric {
		return af == bf
	}

	return stringify(a) == stringify(b)
}

func member(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}

	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}

	return false
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, stringify(expected))
	case []any:
		return member(expected, v)
	case []string:
		for _, item := range v {
			if item == stringify(expected) {
				return true
			}
		}
	}

	return false
}

// toFloat converts numeric values. Strings are parsed only when parseStrings is set.
func toFloat(value any, parseStrings bool) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		if !parseStrings {
			return 0, false
		}

		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)

		return f, err == nil
	case bool:
		return 0, false
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() { //nolint:exhaustive // Only numeric kinds convert.
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprint(value)
}
