package condition

import (
	"fmt"
	"strings"
)

// StateReader is the evaluator's view of live entity state. The entity
// state store implements it; tests substitute in-memory fakes.
type StateReader interface {
	// Value returns the current value of an attribute. It returns an
	// error for unknown entities or attributes.
	Value(entity, attribute string) (any, error)
	// Window returns the attribute's history window, front-padded with
	// zeros to its declared capacity while under-filled.
	Window(entity, attribute string) ([]float64, error)
}

// WindowSink receives history buffer capacity declarations while a
// condition is compiled, before any evaluation happens. Declaring the
// same attribute twice keeps the larger capacity.
type WindowSink interface {
	DeclareWindow(entity, attribute string, size int) error
}

// Compiled is an evaluable predicate produced by [Compile]. It is
// immutable and safe for concurrent evaluation.
type Compiled struct {
	eval func(StateReader) (bool, error)
	expr string
}

// Evaluate runs the predicate against live state. Errors indicate a
// not-yet-present attribute, a type mismatch, or a degenerate aggregate
// window; callers treat any error as "condition false for this tick".
func (c *Compiled) Evaluate(r StateReader) (bool, error) {
	return c.eval(r)
}

// String returns the human-readable rendering of the expression,
// retained for logs.
func (c *Compiled) String() string {
	return c.expr
}

// Compile turns a condition tree into a predicate via a post-order
// pass. Structural problems (unknown operators, malformed operands,
// non-positive windows) surface here as errors; the engine treats them
// as configuration failures and refuses to start. As a side effect,
// every aggregate window in the tree is declared on sink so history
// buffers exist before the first evaluation.
func Compile(n *Node, sink WindowSink) (*Compiled, error) {
	if n == nil {
		return nil, fmt.Errorf("empty condition")
	}
	eval, err := compileNode(n, sink)
	if err != nil {
		return nil, err
	}
	return &Compiled{eval: eval, expr: n.String()}, nil
}

func compileNode(n *Node, sink WindowSink) (func(StateReader) (bool, error), error) {
	switch {
	case n.Op != "":
		return compileGroup(n, sink)
	case n.InRange != nil:
		return compileInRange(n.InRange, sink)
	case n.Lhs != nil || n.Rhs != nil:
		return compileComparison(n, sink)
	default:
		return nil, fmt.Errorf("condition node has neither op, cmp, nor in_range")
	}
}

func compileGroup(n *Node, sink WindowSink) (func(StateReader) (bool, error), error) {
	op := strings.ToUpper(n.Op)
	if _, err := combine(op, false, false); err != nil {
		return nil, err
	}
	if n.Left == nil || n.Right == nil {
		return nil, fmt.Errorf("boolean operator %s needs both left and right conditions", op)
	}
	left, err := compileNode(n.Left, sink)
	if err != nil {
		return nil, err
	}
	right, err := compileNode(n.Right, sink)
	if err != nil {
		return nil, err
	}
	return func(r StateReader) (bool, error) {
		lv, err := left(r)
		if err != nil {
			return false, err
		}
		rv, err := right(r)
		if err != nil {
			return false, err
		}
		return combine(op, lv, rv)
	}, nil
}

func compileComparison(n *Node, sink WindowSink) (func(StateReader) (bool, error), error) {
	if n.Lhs == nil || n.Rhs == nil {
		return nil, fmt.Errorf("comparison needs both lhs and rhs operands")
	}
	if !comparisons[n.Cmp] {
		return nil, fmt.Errorf("unknown comparison operator %q", n.Cmp)
	}
	lhs, err := compileOperand(n.Lhs, sink)
	if err != nil {
		return nil, err
	}
	rhs, err := compileOperand(n.Rhs, sink)
	if err != nil {
		return nil, err
	}
	cmp := n.Cmp
	return func(r StateReader) (bool, error) {
		lv, err := lhs(r)
		if err != nil {
			return false, err
		}
		rv, err := rhs(r)
		if err != nil {
			return false, err
		}
		return compare(cmp, lv, rv)
	}, nil
}

func compileInRange(ir *InRange, sink WindowSink) (func(StateReader) (bool, error), error) {
	entity, attr, ok := strings.Cut(ir.Attr, ".")
	if !ok {
		return nil, fmt.Errorf("in_range attribute %q must be entity.attribute", ir.Attr)
	}
	if ir.Min >= ir.Max {
		return nil, fmt.Errorf("in_range bounds (%v, %v) are empty", ir.Min, ir.Max)
	}
	lo, hi := ir.Min, ir.Max
	return func(r StateReader) (bool, error) {
		v, err := r.Value(entity, attr)
		if err != nil {
			return false, err
		}
		f, numeric := asFloat(v)
		if !numeric {
			return false, fmt.Errorf("in_range over non-numeric attribute %s.%s (%T)", entity, attr, v)
		}
		// Strict on both ends: lo < x < hi.
		return f > lo && f < hi, nil
	}, nil
}

// compileOperand returns a closure producing the operand's runtime
// value. Aggregate operands declare their window on sink here, which is
// what guarantees buffers exist before the engine starts evaluating.
func compileOperand(o *Operand, sink WindowSink) (func(StateReader) (any, error), error) {
	switch {
	case o.HasValue:
		v := o.Value
		return func(StateReader) (any, error) { return v, nil }, nil

	case o.Time != nil:
		t := *o.Time
		if err := t.Validate(); err != nil {
			return nil, err
		}
		return func(StateReader) (any, error) { return t, nil }, nil

	case o.Aggregate != "":
		name := strings.ToLower(o.Aggregate)
		if !aggregates[name] {
			return nil, fmt.Errorf("unknown aggregate %q (valid: mean, std, var, min, max)", o.Aggregate)
		}
		if o.Window <= 0 {
			return nil, fmt.Errorf("aggregate %s(%s.%s) needs a positive window, got %d",
				name, o.Entity, o.Attribute, o.Window)
		}
		if sink != nil {
			if err := sink.DeclareWindow(o.Entity, o.Attribute, o.Window); err != nil {
				return nil, fmt.Errorf("declare window %s.%s[%d]: %w", o.Entity, o.Attribute, o.Window, err)
			}
		}
		entity, attr := o.Entity, o.Attribute
		return func(r StateReader) (any, error) {
			w, err := r.Window(entity, attr)
			if err != nil {
				return nil, err
			}
			return aggregate(name, w)
		}, nil

	case o.Entity != "":
		entity, attr := o.Entity, o.Attribute
		return func(r StateReader) (any, error) {
			return r.Value(entity, attr)
		}, nil

	default:
		return nil, fmt.Errorf("empty operand")
	}
}
