package condition

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// fakeReader is an in-memory StateReader keyed by "entity.attribute".
type fakeReader struct {
	values  map[string]any
	windows map[string][]float64
}

func (f *fakeReader) Value(entity, attr string) (any, error) {
	v, ok := f.values[entity+"."+attr]
	if !ok {
		return nil, fmt.Errorf("no value for %s.%s", entity, attr)
	}
	return v, nil
}

func (f *fakeReader) Window(entity, attr string) ([]float64, error) {
	w, ok := f.windows[entity+"."+attr]
	if !ok {
		return nil, fmt.Errorf("no window for %s.%s", entity, attr)
	}
	return w, nil
}

// windowRecorder records DeclareWindow calls, keeping the larger size on
// repeat declarations like the real store does.
type windowRecorder struct {
	declared map[string]int
}

func (w *windowRecorder) DeclareWindow(entity, attr string, size int) error {
	if w.declared == nil {
		w.declared = make(map[string]int)
	}
	key := entity + "." + attr
	if size > w.declared[key] {
		w.declared[key] = size
	}
	return nil
}

func lit(v any) *Operand { return &Operand{Value: v, HasValue: true} }
func attrRef(ref string) *Operand {
	entity, attr, _ := strings.Cut(ref, ".")
	return &Operand{Entity: entity, Attribute: attr}
}
func aggRef(ref, fn string, window int) *Operand {
	o := attrRef(ref)
	o.Aggregate = fn
	o.Window = window
	return o
}
func timeLit(s string) *Operand {
	t, err := ParseTime(s)
	if err != nil {
		panic(err)
	}
	return &Operand{Time: &t}
}
func cmpNode(lhs *Operand, cmp string, rhs *Operand) *Node {
	return &Node{Lhs: lhs, Cmp: cmp, Rhs: rhs}
}
func group(op string, left, right *Node) *Node {
	return &Node{Op: op, Left: left, Right: right}
}

func TestEvaluateComparisons(t *testing.T) {
	reader := &fakeReader{values: map[string]any{
		"weather.temperature": 22.5,
		"weather.humidity":    int64(45),
		"lamp.power":          true,
		"display.message":     "hello world",
		"sensor.tags":         []any{"indoor", "bedroom"},
		"sensor.state":        map[string]any{"mode": "auto", "level": float64(3)},
		"clock.time":          TimeValue{Hour: 14, Minute: 30},
	}}

	tests := []struct {
		name string
		node *Node
		want bool
	}{
		{"float equality", cmpNode(attrRef("weather.temperature"), "==", lit(22.5)), true},
		{"cross-type numeric equality", cmpNode(attrRef("weather.humidity"), "==", lit(45.0)), true},
		{"is synonym", cmpNode(attrRef("lamp.power"), "is", lit(true)), true},
		{"is not synonym", cmpNode(attrRef("lamp.power"), "is not", lit(false)), true},
		{"not equal", cmpNode(attrRef("weather.temperature"), "!=", lit(30)), true},
		{"greater", cmpNode(attrRef("weather.temperature"), ">", lit(20)), true},
		{"greater or equal boundary", cmpNode(attrRef("weather.humidity"), ">=", lit(45)), true},
		{"less false", cmpNode(attrRef("weather.temperature"), "<", lit(20)), false},
		{"string match", cmpNode(lit("world"), "~", attrRef("display.message")), true},
		{"string no match", cmpNode(lit("mars"), "~", attrRef("display.message")), false},
		{"string not match", cmpNode(lit("mars"), "!~", attrRef("display.message")), true},
		{"list membership", cmpNode(lit("indoor"), "in", attrRef("sensor.tags")), true},
		{"list non-membership", cmpNode(lit("garage"), "not in", attrRef("sensor.tags")), true},
		{"has", cmpNode(attrRef("sensor.tags"), "has", lit("bedroom")), true},
		{"has not", cmpNode(attrRef("sensor.tags"), "has not", lit("kitchen")), true},
		{"dict equality", cmpNode(attrRef("sensor.state"), "==",
			lit(map[string]any{"mode": "auto", "level": 3})), true},
		{"list equality", cmpNode(attrRef("sensor.tags"), "==",
			lit([]any{"indoor", "bedroom"})), true},
		{"time after literal", cmpNode(attrRef("clock.time"), ">", timeLit("12:00:00")), true},
		{"time before literal", cmpNode(attrRef("clock.time"), "<", timeLit("12:00:00")), false},
		{"time equality", cmpNode(attrRef("clock.time"), "==", timeLit("14:30:00")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.node, nil)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			got, err := c.Evaluate(reader)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", c.String(), got, tt.want)
			}
		})
	}
}

func TestEvaluateGroups(t *testing.T) {
	// Build each truth table from two boolean attributes.
	tests := []struct {
		op   string
		want [4]bool // results for (l, r) = (F,F), (F,T), (T,F), (T,T)
	}{
		{OpAnd, [4]bool{false, false, false, true}},
		{OpOr, [4]bool{false, true, true, true}},
		{OpNot, [4]bool{false, true, true, false}},
		{OpXor, [4]bool{false, true, true, false}},
		{OpXnor, [4]bool{true, false, false, true}},
		{OpNor, [4]bool{true, false, false, false}},
		{OpNand, [4]bool{true, true, true, false}},
	}

	node := group("", // op filled per case
		cmpNode(attrRef("a.v"), "==", lit(true)),
		cmpNode(attrRef("b.v"), "==", lit(true)))

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			node.Op = tt.op
			c, err := Compile(node, nil)
			if err != nil {
				t.Fatalf("Compile(%s): %v", tt.op, err)
			}
			i := 0
			for _, l := range []bool{false, true} {
				for _, r := range []bool{false, true} {
					reader := &fakeReader{values: map[string]any{"a.v": l, "b.v": r}}
					got, err := c.Evaluate(reader)
					if err != nil {
						t.Fatalf("Evaluate(%v, %v): %v", l, r, err)
					}
					if got != tt.want[i] {
						t.Errorf("%s(%v, %v) = %v, want %v", tt.op, l, r, got, tt.want[i])
					}
					i++
				}
			}
		})
	}
}

func TestEvaluateGroupsLowercaseOp(t *testing.T) {
	node := group("and",
		cmpNode(attrRef("a.v"), "==", lit(true)),
		cmpNode(attrRef("b.v"), "==", lit(true)))
	c, err := Compile(node, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader := &fakeReader{values: map[string]any{"a.v": true, "b.v": true}}
	got, err := c.Evaluate(reader)
	if err != nil || !got {
		t.Errorf("lowercase and = (%v, %v), want (true, nil)", got, err)
	}
}

func TestEvaluateInRange(t *testing.T) {
	node := &Node{InRange: &InRange{Attr: "weather.humidity", Min: 30, Max: 60}}
	c, err := Compile(node, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		value any
		want  bool
	}{
		{45.0, true},
		{30.0, false}, // strict lower bound
		{60.0, false}, // strict upper bound
		{29.9, false},
		{int64(59), true},
	}
	for _, tt := range tests {
		reader := &fakeReader{values: map[string]any{"weather.humidity": tt.value}}
		got, err := c.Evaluate(reader)
		if err != nil {
			t.Fatalf("Evaluate(%v): %v", tt.value, err)
		}
		if got != tt.want {
			t.Errorf("in_range(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}

	// Non-numeric attribute is an evaluation error, not a crash.
	reader := &fakeReader{values: map[string]any{"weather.humidity": "soggy"}}
	if _, err := c.Evaluate(reader); err == nil {
		t.Error("expected error for in_range over string attribute")
	}
}

func TestEvaluateAggregates(t *testing.T) {
	reader := &fakeReader{windows: map[string][]float64{
		"weather.temperature": {10, 20, 30, 40},
	}}

	tests := []struct {
		fn   string
		want float64
	}{
		{"mean", 25},
		{"min", 10},
		{"max", 40},
		{"var", 500.0 / 3.0},
		{"std", math.Sqrt(500.0 / 3.0)},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			sink := &windowRecorder{}
			node := cmpNode(aggRef("weather.temperature", tt.fn, 4), "==", lit(tt.want))
			c, err := Compile(node, sink)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := sink.declared["weather.temperature"]; got != 4 {
				t.Errorf("declared window = %d, want 4", got)
			}
			got, err := c.Evaluate(reader)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if !got {
				t.Errorf("%s over [10 20 30 40] != %v", tt.fn, tt.want)
			}
		})
	}
}

func TestEvaluateSampleStatisticsNeedTwoSamples(t *testing.T) {
	reader := &fakeReader{windows: map[string][]float64{"w.t": {5}}}
	for _, fn := range []string{"std", "var"} {
		node := cmpNode(aggRef("w.t", fn, 1), ">", lit(0))
		c, err := Compile(node, nil)
		if err != nil {
			t.Fatalf("Compile(%s): %v", fn, err)
		}
		if _, err := c.Evaluate(reader); err == nil {
			t.Errorf("%s over a single sample should be an evaluation error", fn)
		}
	}
}

func TestEvaluateMissingAttribute(t *testing.T) {
	c, err := Compile(cmpNode(attrRef("ghost.value"), "==", lit(1)), nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := c.Evaluate(&fakeReader{}); err == nil {
		t.Error("expected evaluation error for unknown attribute")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		node *Node
	}{
		{"nil condition", nil},
		{"empty node", &Node{}},
		{"unknown comparison", cmpNode(lit(1), "===", lit(1))},
		{"missing rhs", &Node{Lhs: lit(1), Cmp: "=="}},
		{"unknown group op", group("MAYBE", cmpNode(lit(1), "==", lit(1)), cmpNode(lit(1), "==", lit(1)))},
		{"group missing right", &Node{Op: OpAnd, Left: cmpNode(lit(1), "==", lit(1))}},
		{"unknown aggregate", cmpNode(aggRef("a.b", "median", 3), ">", lit(0))},
		{"non-positive window", cmpNode(aggRef("a.b", "mean", 0), ">", lit(0))},
		{"empty in_range bounds", &Node{InRange: &InRange{Attr: "a.b", Min: 5, Max: 5}}},
		{"inverted in_range bounds", &Node{InRange: &InRange{Attr: "a.b", Min: 9, Max: 3}}},
		{"in_range bad attr", &Node{InRange: &InRange{Attr: "nodot", Min: 1, Max: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.node, nil); err == nil {
				t.Errorf("Compile(%s) succeeded, want error", tt.name)
			}
		})
	}
}

func TestWindowDeclarationKeepsLargest(t *testing.T) {
	sink := &windowRecorder{}
	node := group(OpAnd,
		cmpNode(aggRef("w.t", "mean", 3), ">", lit(0)),
		cmpNode(aggRef("w.t", "max", 8), ">", lit(0)))
	if _, err := Compile(node, sink); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := sink.declared["w.t"]; got != 8 {
		t.Errorf("declared window = %d, want 8", got)
	}
}

func TestOperandUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		check   func(t *testing.T, o Operand)
		wantErr bool
	}{
		{
			name: "bare scalar",
			in:   `42`,
			check: func(t *testing.T, o Operand) {
				if !o.HasValue || o.Value != 42 {
					t.Errorf("got %+v, want literal 42", o)
				}
			},
		},
		{
			name: "bare string",
			in:   `"on"`,
			check: func(t *testing.T, o Operand) {
				if !o.HasValue || o.Value != "on" {
					t.Errorf("got %+v, want literal \"on\"", o)
				}
			},
		},
		{
			name: "sequence literal",
			in:   `[1, 2, 3]`,
			check: func(t *testing.T, o Operand) {
				lst, ok := o.Value.([]any)
				if !o.HasValue || !ok || len(lst) != 3 {
					t.Errorf("got %+v, want 3-element list literal", o)
				}
			},
		},
		{
			name: "explicit value mapping",
			in:   `{value: {mode: auto}}`,
			check: func(t *testing.T, o Operand) {
				m, ok := o.Value.(map[string]any)
				if !o.HasValue || !ok || m["mode"] != "auto" {
					t.Errorf("got %+v, want dict literal", o)
				}
			},
		},
		{
			name: "time literal",
			in:   `{time: "21:30:00"}`,
			check: func(t *testing.T, o Operand) {
				if o.Time == nil || o.Time.Hour != 21 || o.Time.Minute != 30 {
					t.Errorf("got %+v, want 21:30:00", o)
				}
			},
		},
		{
			name: "attribute reference",
			in:   `{attr: weather.temperature}`,
			check: func(t *testing.T, o Operand) {
				if o.Entity != "weather" || o.Attribute != "temperature" {
					t.Errorf("got %+v, want weather.temperature", o)
				}
			},
		},
		{
			name: "aggregate reference",
			in:   `{attr: weather.temperature, aggregate: mean, window: 5}`,
			check: func(t *testing.T, o Operand) {
				if o.Aggregate != "mean" || o.Window != 5 {
					t.Errorf("got %+v, want mean over window 5", o)
				}
			},
		},
		{name: "attr without dot", in: `{attr: weather}`, wantErr: true},
		{name: "bad time", in: `{time: "25:99"}`, wantErr: true},
		{name: "empty mapping", in: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o Operand
			err := yaml.Unmarshal([]byte(tt.in), &o)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%s) = %+v, want error", tt.in, o)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.in, err)
			}
			tt.check(t, o)
		})
	}
}

func TestNodeString(t *testing.T) {
	node := group(OpAnd,
		cmpNode(attrRef("bedroom.motion"), "==", lit(true)),
		cmpNode(attrRef("bedroom.lux"), "<", lit(50)))
	got := node.String()
	want := "((bedroom.motion == true) AND (bedroom.lux < 50))"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNodeReferences(t *testing.T) {
	node := group(OpOr,
		cmpNode(aggRef("weather.temperature", "mean", 5), ">", lit(28)),
		&Node{InRange: &InRange{Attr: "weather.humidity", Min: 30, Max: 60}})
	refs := node.References()
	want := map[[2]string]bool{
		{"weather", "temperature"}: true,
		{"weather", "humidity"}:    true,
	}
	if len(refs) != 2 {
		t.Fatalf("References() = %v, want 2 refs", refs)
	}
	for _, r := range refs {
		if !want[r] {
			t.Errorf("unexpected reference %v", r)
		}
	}
}
