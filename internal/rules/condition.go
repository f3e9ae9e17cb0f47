package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lalithlochan/stockpulse/internal/db"
)

var ErrUnknownOperator = errors.New("unknown condition operator")

// Operators accepted in rule clauses.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
)

// ValidOperator reports whether op can appear in a clause.
func ValidOperator(op string) bool {
	switch strings.ToLower(op) {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains, OpIn:
		return true
	}
	return false
}

// Matches reports whether both the condition and the threshold of a rule
// hold for the given event fields.
func Matches(rule *db.Rule, fields map[string]any) (bool, error) {
	ok, err := matchCondition(rule.Condition, fields)
	if err != nil || !ok {
		return false, err
	}
	return matchThreshold(rule.Threshold, fields), nil
}

func matchCondition(c db.RuleCondition, fields map[string]any) (bool, error) {
	if len(c.Clauses) == 0 {
		return true, nil
	}
	matchAny := strings.EqualFold(c.Match, "any")
	for _, cl := range c.Clauses {
		ok, err := matchClause(cl, fields)
		if err != nil {
			return false, err
		}
		if matchAny && ok {
			return true, nil
		}
		if !matchAny && !ok {
			return false, nil
		}
	}
	return !matchAny, nil
}

func matchClause(cl db.Clause, fields map[string]any) (bool, error) {
	op := strings.ToLower(cl.Operator)
	if !ValidOperator(op) {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cl.Operator)
	}
	actual, present := fields[cl.Field]
	if !present {
		return op == OpNe || op == OpNotContains, nil
	}

	switch op {
	case OpEq:
		return equal(actual, cl.Value), nil
	case OpNe:
		return !equal(actual, cl.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat64(actual)
		b, bok := toFloat64(cl.Value)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(toString(cl.Value))), nil
	case OpNotContains:
		return !strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(toString(cl.Value))), nil
	default: // OpIn
		list, ok := cl.Value.([]any)
		if !ok {
			return false, nil
		}
		for _, v := range list {
			if equal(actual, v) {
				return true, nil
			}
		}
		return false, nil
	}
}

func matchThreshold(t *db.Threshold, fields map[string]any) bool {
	if t == nil || (t.Min == nil && t.Max == nil) {
		return true
	}
	field := t.Field
	if field == "" {
		field = "quantity"
	}
	v, ok := toFloat64(fields[field])
	if !ok {
		return false
	}
	return (t.Min != nil && v < *t.Min) || (t.Max != nil && v > *t.Max)
}

func equal(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return strings.EqualFold(toString(a), toString(b))
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
