package rules

import (
	"reflect"
	"strings"
)

// EvaluateConditions evaluates a condition tree against the context. The
// evaluator is total: a nil tree is true, a missing field or an operand of
// the wrong type makes the leaf false, and combinators over empty child
// lists evaluate to their identity element (true for AND, false for OR).
// It never returns an error and never panics on well-typed input.
func EvaluateConditions(node *ConditionNode, ctx *TriggerContext) bool {
	if node == nil {
		return true
	}

	switch node.Operator {
	case CombinatorAnd:
		for _, child := range node.Rules {
			if !EvaluateConditions(child, ctx) {
				return false
			}
		}
		return true
	case CombinatorOr:
		for _, child := range node.Rules {
			if EvaluateConditions(child, ctx) {
				return true
			}
		}
		return false
	}

	return evaluateLeaf(node, ctx)
}

func evaluateLeaf(node *ConditionNode, ctx *TriggerContext) bool {
	got, ok := ctx.Lookup(node.Field)
	if !ok {
		return false
	}

	switch node.Operator {
	case OpEq, "equals": // "equals" kept for rules from older clients
		return looseEqual(got, node.Value)
	case OpNeq:
		return !looseEqual(got, node.Value)
	case OpGt:
		return compareNumbers(got, node.Value, func(a, b float64) bool { return a > b })
	case OpGte:
		return compareNumbers(got, node.Value, func(a, b float64) bool { return a >= b })
	case OpLt:
		return compareNumbers(got, node.Value, func(a, b float64) bool { return a < b })
	case OpLte:
		return compareNumbers(got, node.Value, func(a, b float64) bool { return a <= b })
	case OpIn:
		return valueIn(got, node.Value)
	case OpContains:
		return valueContains(got, node.Value)
	default:
		return false
	}
}

// looseEqual compares values, coercing both sides to float64 when both are
// numeric so that 5 == 5.0 across JSON and in-code rules.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	// Slices and maps reach here through list-valued Extra fields; == would
	// panic on them, so treat uncomparable operands as unequal.
	if !isComparable(a) || !isComparable(b) {
		return false
	}
	return a == b
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

// valueIn reports whether the context value is an element of the condition's
// list value. Case-sensitive.
func valueIn(got, want any) bool {
	list, ok := want.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(got, item) {
			return true
		}
	}
	return false
}

// valueContains handles both native shapes: a string context value contains
// a substring, a list context value contains an element. Case-sensitive.
func valueContains(got, want any) bool {
	switch g := got.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(g, s)
	case []any:
		for _, item := range g {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	case []string:
		s, ok := want.(string)
		if !ok {
			return false
		}
		for _, item := range g {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}
