package condition

import (
	"fmt"
	"math"
	"strings"
)

// asFloat coerces the numeric types that reach the evaluator (YAML
// literals decode to int, JSON payloads to float64) into a float64.
// Time values coerce through their canonical encoding so time-vs-time
// and time-vs-literal comparisons share one code path.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case TimeValue:
		return float64(t.Encode()), true
	case *TimeValue:
		return float64(t.Encode()), true
	default:
		return 0, false
	}
}

// deepEqual compares two runtime values with numeric normalization:
// 5 == 5.0 regardless of which transport or literal form produced each
// side. Lists compare element-wise, dicts key-wise, times by encoding.
func deepEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !deepEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, present := bt[k]
			if !present || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	default:
		return false
	}
}

// contains reports whether member ∈ container. Strings use substring
// containment (matching the source language's `~` on strings); lists
// use deep-equality membership.
func contains(member, container any) (bool, error) {
	switch c := container.(type) {
	case string:
		m, ok := member.(string)
		if !ok {
			return false, fmt.Errorf("cannot test %T membership in a string", member)
		}
		return strings.Contains(c, m), nil
	case []any:
		for _, item := range c {
			if deepEqual(item, member) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("cannot test membership in %T", container)
	}
}

// compare applies a comparison operator to two evaluated operands.
// Ordering operators require numeric or time operands; equality falls
// back to deep equality when either side is non-numeric.
func compare(cmp string, left, right any) (bool, error) {
	switch cmp {
	case "==", "is":
		return deepEqual(left, right), nil
	case "!=", "is not":
		return !deepEqual(left, right), nil
	case ">", ">=", "<", "<=":
		lf, lok := asFloat(left)
		rf, rok := asFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %q needs numeric or time operands, got %T and %T", cmp, left, right)
		}
		switch cmp {
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	case "~", "in":
		return contains(left, right)
	case "!~", "not in":
		ok, err := contains(left, right)
		return !ok, err
	case "has":
		return contains(right, left)
	case "has not":
		ok, err := contains(right, left)
		return !ok, err
	default:
		return false, fmt.Errorf("unknown comparison operator %q", cmp)
	}
}

// combine applies a boolean group operator. NOT is non-equality of its
// two operands, per the source language's operator table. The remaining
// operators follow the standard truth tables.
func combine(op string, left, right bool) (bool, error) {
	switch op {
	case OpAnd:
		return left && right, nil
	case OpOr:
		return left || right, nil
	case OpNot, OpXor:
		return left != right, nil
	case OpXnor:
		return left == right, nil
	case OpNor:
		return !(left || right), nil
	case OpNand:
		return !(left && right), nil
	default:
		return false, fmt.Errorf("unknown boolean operator %q", op)
	}
}

// Aggregate function names accepted on windowed operands.
var aggregates = map[string]bool{
	"mean": true, "std": true, "var": true, "min": true, "max": true,
}

// aggregate computes one of mean/std/var/min/max over a window. std and
// var are sample statistics and need at least two samples; a degenerate
// window is an evaluation error (the condition resolves false for the
// tick rather than crashing).
func aggregate(name string, w []float64) (float64, error) {
	if len(w) == 0 {
		return 0, fmt.Errorf("aggregate %s over empty window", name)
	}
	switch name {
	case "mean":
		return mean(w), nil
	case "var":
		return sampleVariance(w)
	case "std":
		v, err := sampleVariance(w)
		if err != nil {
			return 0, err
		}
		return math.Sqrt(v), nil
	case "min":
		m := w[0]
		for _, x := range w[1:] {
			if x < m {
				m = x
			}
		}
		return m, nil
	case "max":
		m := w[0]
		for _, x := range w[1:] {
			if x > m {
				m = x
			}
		}
		return m, nil
	default:
		return 0, fmt.Errorf("unknown aggregate %q", name)
	}
}

func mean(w []float64) float64 {
	var sum float64
	for _, x := range w {
		sum += x
	}
	return sum / float64(len(w))
}

func sampleVariance(w []float64) (float64, error) {
	if len(w) < 2 {
		return 0, fmt.Errorf("sample variance needs at least 2 samples, window has %d", len(w))
	}
	m := mean(w)
	var ss float64
	for _, x := range w {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(w)-1), nil
}
