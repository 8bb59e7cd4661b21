// Package condition holds the condition expression tree evaluated by
// automation runners, its structured YAML form, and the compiler that
// turns a tree into an evaluable predicate over live entity state.
//
// The external model parser targets the YAML form directly; the engine
// never sees the textual grammar. A condition node is either a boolean
// group {op, left, right} or a leaf: a comparison {lhs, cmp, rhs} or an
// in_range check. Operands are literals, attribute references
// ("entity.attribute"), or windowed aggregates over an attribute.
package condition

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Boolean group operators. NOT follows the source language's surface
// semantics: NOT(a, b) is non-equality of its operands, not logical
// negation of a single operand.
const (
	OpAnd  = "AND"
	OpOr   = "OR"
	OpNot  = "NOT"
	OpXor  = "XOR"
	OpNor  = "NOR"
	OpXnor = "XNOR"
	OpNand = "NAND"
)

// Comparison operators accepted in the cmp field of a leaf node.
// "is"/"is not" are synonyms for "=="/"!=". "~" tests left ∈ right,
// "has" tests right ∈ left; "in"/"not in" follow left-in-right.
var comparisons = map[string]bool{
	"==": true, "!=": true,
	">": true, ">=": true, "<": true, "<=": true,
	"is": true, "is not": true,
	"~": true, "!~": true,
	"has": true, "has not": true,
	"in": true, "not in": true,
}

// Node is one node of a condition tree. Exactly one of the three forms
// must be populated: a group (Op/Left/Right), a comparison
// (Lhs/Cmp/Rhs), or an InRange check.
type Node struct {
	// Group form.
	Op    string `yaml:"op,omitempty"`
	Left  *Node  `yaml:"left,omitempty"`
	Right *Node  `yaml:"right,omitempty"`

	// Comparison form.
	Lhs *Operand `yaml:"lhs,omitempty"`
	Cmp string   `yaml:"cmp,omitempty"`
	Rhs *Operand `yaml:"rhs,omitempty"`

	// Advanced form: strict lo < attr < hi.
	InRange *InRange `yaml:"in_range,omitempty"`
}

// InRange checks that a numeric or time attribute lies strictly between
// Min and Max.
type InRange struct {
	Attr string  `yaml:"attr"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// Operand is one side of a comparison. The YAML form accepts either a
// bare scalar/sequence (a literal) or a mapping with exactly one of:
//
//	value: <any literal, including nested lists and dicts>
//	time: "HH:MM:SS"
//	attr: entity.attribute
//	attr: entity.attribute + aggregate: mean|std|var|min|max + window: N
type Operand struct {
	// Literal value. HasValue distinguishes an explicit null literal
	// from an absent one.
	Value    any
	HasValue bool

	// Time literal.
	Time *TimeValue

	// Attribute reference, optionally wrapped in an aggregate.
	Entity    string
	Attribute string
	Aggregate string
	Window    int
}

// operandYAML is the mapping form of an operand.
type operandYAML struct {
	// Value is a non-pointer node: yaml.v3 leaves *yaml.Node fields
	// empty when decoding nested mappings, but fills value fields.
	Value     yaml.Node  `yaml:"value"`
	Time      string     `yaml:"time"`
	Attr      string     `yaml:"attr"`
	Aggregate string     `yaml:"aggregate"`
	Window    int        `yaml:"window"`
}

// UnmarshalYAML decodes the two accepted operand shapes. A scalar or
// sequence node is a literal; a mapping selects one of the explicit
// forms above.
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		o.Value = v
		o.HasValue = true
		return nil
	case yaml.MappingNode:
		var raw operandYAML
		if err := node.Decode(&raw); err != nil {
			return err
		}
		switch {
		case !raw.Value.IsZero():
			var v any
			if err := raw.Value.Decode(&v); err != nil {
				return err
			}
			o.Value = v
			o.HasValue = true
		case raw.Time != "":
			t, err := ParseTime(raw.Time)
			if err != nil {
				return err
			}
			o.Time = &t
		case raw.Attr != "":
			entity, attr, ok := strings.Cut(raw.Attr, ".")
			if !ok {
				return fmt.Errorf("attribute reference %q must be entity.attribute", raw.Attr)
			}
			o.Entity = entity
			o.Attribute = attr
			o.Aggregate = raw.Aggregate
			o.Window = raw.Window
		default:
			return fmt.Errorf("operand mapping needs one of value, time, or attr")
		}
		return nil
	default:
		return fmt.Errorf("unsupported operand YAML node kind %d", node.Kind)
	}
}

// String renders the operand for logs and error messages.
func (o *Operand) String() string {
	switch {
	case o.HasValue:
		return renderLiteral(o.Value)
	case o.Time != nil:
		return o.Time.String()
	case o.Aggregate != "":
		return fmt.Sprintf("%s(%s.%s, %d)", o.Aggregate, o.Entity, o.Attribute, o.Window)
	default:
		return o.Entity + "." + o.Attribute
	}
}

// renderLiteral renders a literal value, quoting strings so the log
// form is unambiguous.
func renderLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + t + "'"
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = renderLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(t))
		for k, item := range t {
			parts = append(parts, fmt.Sprintf("'%s': %s", k, renderLiteral(item)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// String renders the condition tree for logs, e.g.
// "((bedroom.motion == true) AND (bedroom.posX == 5))".
func (n *Node) String() string {
	switch {
	case n == nil:
		return "<nil>"
	case n.Op != "":
		return fmt.Sprintf("(%s %s %s)", n.Left.String(), n.Op, n.Right.String())
	case n.InRange != nil:
		return fmt.Sprintf("InRange(%s, %v, %v)", n.InRange.Attr, n.InRange.Min, n.InRange.Max)
	case n.Lhs != nil:
		return fmt.Sprintf("(%s %s %s)", n.Lhs.String(), n.Cmp, n.Rhs.String())
	default:
		return "<empty>"
	}
}

// Walk visits every node of the tree in post-order.
func (n *Node) Walk(visit func(*Node)) {
	if n == nil {
		return
	}
	n.Left.Walk(visit)
	n.Right.Walk(visit)
	visit(n)
}

// References returns every entity.attribute pair the tree reads,
// including aggregate operands. Used by model validation to reject
// conditions over unknown attributes before the engine starts.
func (n *Node) References() [][2]string {
	var refs [][2]string
	n.Walk(func(node *Node) {
		if node.InRange != nil {
			if entity, attr, ok := strings.Cut(node.InRange.Attr, "."); ok {
				refs = append(refs, [2]string{entity, attr})
			}
		}
		for _, op := range []*Operand{node.Lhs, node.Rhs} {
			if op != nil && op.Entity != "" {
				refs = append(refs, [2]string{op.Entity, op.Attribute})
			}
		}
	})
	return refs
}
