// Package state is the entity state plane: per-entity typed attribute
// maps and bounded numeric history windows, kept current by broker
// subscriptions and read by compiled conditions.
//
// The store is the only mutable state shared between the inbound
// subscriber path (writer) and the automation runners (readers). A
// per-entity RWMutex plus copy-on-write container updates guarantee a
// reader observes either the pre- or post-update snapshot of any single
// attribute, never a torn value.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smauto/smauto/internal/condition"
	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// Store holds live state for every entity in the model. It implements
// [condition.StateReader] and [condition.WindowSink].
type Store struct {
	logger *slog.Logger
	bus    *events.Bus

	// entities is written once at construction; the per-entity lock
	// protects everything below it.
	entities map[string]*entityState
}

type entityState struct {
	mu    sync.RWMutex
	attrs map[string]*attrState
}

type attrState struct {
	decl  model.Attribute
	value any
	win   *window
}

// New builds a store with every declared attribute initialized to its
// zero value (0, 0.0, false, "", 00:00:00, [], or a dict of zeros).
func New(entities []model.Entity, logger *slog.Logger, bus *events.Bus) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger:   logger,
		bus:      bus,
		entities: make(map[string]*entityState, len(entities)),
	}
	for _, e := range entities {
		es := &entityState{attrs: make(map[string]*attrState, len(e.Attributes))}
		for _, a := range e.Attributes {
			es.attrs[a.Name] = &attrState{decl: a, value: zeroValue(a)}
		}
		s.entities[e.Name] = es
	}
	return s
}

func zeroValue(a model.Attribute) any {
	switch a.Kind {
	case model.AttrInt:
		return int64(0)
	case model.AttrFloat:
		return float64(0)
	case model.AttrBool:
		return false
	case model.AttrString:
		return ""
	case model.AttrTime:
		return condition.TimeValue{}
	case model.AttrList:
		return []any{}
	case model.AttrDict:
		d := make(map[string]any, len(a.Items))
		for _, item := range a.Items {
			d[item.Name] = zeroValue(item)
		}
		return d
	default:
		return nil
	}
}

// Apply ingests one inbound message for an entity: parse JSON, update
// every declared attribute present in the payload (type-preserving;
// mismatched values are logged and skipped), and append new samples to
// any history windows. Unknown payload keys are ignored; attributes
// absent from the payload keep their prior value.
func (s *Store) Apply(entity string, payload []byte) error {
	es, ok := s.entities[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}

	var incoming map[string]any
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return fmt.Errorf("entity %s: malformed payload: %w", entity, err)
	}

	var updated []string
	es.mu.Lock()
	for name, raw := range incoming {
		at, known := es.attrs[name]
		if !known {
			continue
		}
		v, err := coerce(at.decl, at.value, raw)
		if err != nil {
			s.logger.Debug("attribute update skipped",
				"entity", entity, "attribute", name, "error", err)
			continue
		}
		at.value = v
		updated = append(updated, name)

		// Numeric attributes feed their history window; non-numeric
		// pushes are no-ops.
		if at.win != nil && at.decl.Kind.Numeric() {
			if f, ok := toFloat(v); ok {
				at.win.append(f)
			}
		}
	}
	es.mu.Unlock()

	if len(updated) > 0 {
		s.bus.Publish(events.Event{
			Source: events.SourceState,
			Kind:   events.KindEntityUpdate,
			Data:   map[string]any{"entity": entity, "attributes": updated},
		})
	}
	return nil
}

// coerce converts an incoming JSON value to the attribute's declared
// kind, returning an error on type mismatch. Containers are rebuilt
// rather than mutated so concurrent readers keep a coherent snapshot.
func coerce(decl model.Attribute, current, raw any) (any, error) {
	switch decl.Kind {
	case model.AttrInt:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("want int, got %T", raw)
		}
		return int64(f), nil
	case model.AttrFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("want float, got %T", raw)
		}
		return f, nil
	case model.AttrBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", raw)
		}
		return b, nil
	case model.AttrString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		return str, nil
	case model.AttrList:
		l, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("want list, got %T", raw)
		}
		return l, nil
	case model.AttrTime:
		return coerceTime(raw)
	case model.AttrDict:
		return coerceDict(decl, current, raw)
	default:
		return nil, fmt.Errorf("unsupported attribute kind %q", decl.Kind)
	}
}

// coerceTime accepts the wire object {"hour":h,"minute":m,"second":s};
// the informational "time_str" key is ignored.
func coerceTime(raw any) (any, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want time object, got %T", raw)
	}
	var t condition.TimeValue
	for key, dst := range map[string]*int{"hour": &t.Hour, "minute": &t.Minute, "second": &t.Second} {
		if v, present := obj[key]; present {
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("time %s: want number, got %T", key, v)
			}
			*dst = int(f)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// coerceDict recurses into declared sub-fields. The result is a fresh
// map: updated keys take the coerced incoming value, the rest carry
// over from current, unknown incoming keys are dropped.
func coerceDict(decl model.Attribute, current, raw any) (any, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want dict, got %T", raw)
	}
	cur, _ := current.(map[string]any)
	next := make(map[string]any, len(decl.Items))
	for _, item := range decl.Items {
		prior := cur[item.Name]
		incoming, present := obj[item.Name]
		if !present {
			next[item.Name] = prior
			continue
		}
		v, err := coerce(item, prior, incoming)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", item.Name, err)
		}
		next[item.Name] = v
	}
	return next, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Value returns the current value of an attribute.
func (s *Store) Value(entity, attribute string) (any, error) {
	es, ok := s.entities[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	at, ok := es.attrs[attribute]
	if !ok {
		return nil, fmt.Errorf("entity %s has no attribute %q", entity, attribute)
	}
	return at.value, nil
}

// Window returns the attribute's history window, front-padded with
// zeros to its declared capacity while under-filled. The returned slice
// is a copy.
func (s *Store) Window(entity, attribute string) ([]float64, error) {
	es, ok := s.entities[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	es.mu.RLock()
	defer es.mu.RUnlock()
	at, ok := es.attrs[attribute]
	if !ok {
		return nil, fmt.Errorf("entity %s has no attribute %q", entity, attribute)
	}
	if at.win == nil {
		return nil, fmt.Errorf("no history window declared for %s.%s", entity, attribute)
	}
	return at.win.snapshot(), nil
}

// DeclareWindow creates (or grows) the history buffer behind an
// attribute. Called by the condition compiler before evaluation begins;
// an attribute keeps a single buffer sized to the largest window any
// aggregate requests.
func (s *Store) DeclareWindow(entity, attribute string, size int) error {
	if size <= 0 {
		return fmt.Errorf("window size must be positive, got %d", size)
	}
	es, ok := s.entities[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	at, ok := es.attrs[attribute]
	if !ok {
		return fmt.Errorf("entity %s has no attribute %q", entity, attribute)
	}
	if !at.decl.Kind.Numeric() {
		return fmt.Errorf("attribute %s.%s is %s; windows need int or float", entity, attribute, at.decl.Kind)
	}
	if at.win == nil {
		at.win = newWindow(size)
	} else {
		at.win.grow(size)
	}
	return nil
}

// window is a bounded FIFO of the most recent numeric samples.
type window struct {
	capacity int
	samples  []float64
}

func newWindow(capacity int) *window {
	return &window{capacity: capacity}
}

func (w *window) append(x float64) {
	w.samples = append(w.samples, x)
	if len(w.samples) > w.capacity {
		w.samples = w.samples[len(w.samples)-w.capacity:]
	}
}

// grow raises capacity to at least n, keeping existing samples.
func (w *window) grow(n int) {
	if n > w.capacity {
		w.capacity = n
	}
}

// snapshot returns exactly capacity samples: the newest at the end,
// zeros padding the front until the window has filled once.
func (w *window) snapshot() []float64 {
	out := make([]float64, w.capacity)
	copy(out[w.capacity-len(w.samples):], w.samples)
	return out
}
