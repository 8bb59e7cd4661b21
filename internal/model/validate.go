package model

import (
	"errors"
	"fmt"
)

// Validate checks the model invariants the engine depends on. It
// returns all problems found, joined, so a user fixes a model in one
// pass rather than one error at a time. A model that fails validation
// must not be handed to the engine.
func (m *Model) Validate() error {
	var errs []error

	if len(m.Brokers) == 0 {
		errs = append(errs, errors.New("model declares no brokers"))
	}

	validKinds := map[BrokerKind]bool{BrokerMQTT: true, BrokerAMQP: true, BrokerRedis: true}
	brokerNames := map[string]bool{}
	for _, b := range m.Brokers {
		if b.Name == "" {
			errs = append(errs, errors.New("broker with empty name"))
			continue
		}
		if brokerNames[b.Name] {
			errs = append(errs, fmt.Errorf("broker %q declared more than once", b.Name))
		}
		brokerNames[b.Name] = true
		if !validKinds[b.Kind] {
			errs = append(errs, fmt.Errorf("broker %q has unknown kind %q (valid: mqtt, amqp, redis)", b.Name, b.Kind))
		}
		if b.Host == "" {
			errs = append(errs, fmt.Errorf("broker %q has no host", b.Name))
		}
	}

	entityNames := map[string]bool{}
	for i := range m.Entities {
		e := &m.Entities[i]
		if e.Name == "" {
			errs = append(errs, errors.New("entity with empty name"))
			continue
		}
		if entityNames[e.Name] {
			errs = append(errs, fmt.Errorf("entity %q declared more than once", e.Name))
		}
		entityNames[e.Name] = true
		if e.Topic == "" {
			errs = append(errs, fmt.Errorf("entity %q has no topic", e.Name))
		}
		if !brokerNames[e.Broker] {
			errs = append(errs, fmt.Errorf("entity %q references unknown broker %q", e.Name, e.Broker))
		}
		errs = append(errs, validateAttributes(e.Name, e.Attributes)...)
	}

	autoNames := map[string]bool{}
	for i := range m.Automations {
		a := &m.Automations[i]
		if a.Name == "" {
			errs = append(errs, errors.New("automation with empty name"))
			continue
		}
		if autoNames[a.Name] {
			errs = append(errs, fmt.Errorf("automation %q declared more than once", a.Name))
		}
		autoNames[a.Name] = true
		if a.Condition == nil {
			errs = append(errs, fmt.Errorf("automation %q has no condition", a.Name))
		}
		if len(a.Actions) == 0 {
			errs = append(errs, fmt.Errorf("automation %q has no actions", a.Name))
		}
		errs = append(errs, m.validateActions(a)...)
		errs = append(errs, m.validateConditionRefs(a)...)
	}

	// Cross-automation references are resolved by name at start; reject
	// dangling ones here.
	for i := range m.Automations {
		a := &m.Automations[i]
		for _, set := range []struct {
			field string
			names []string
		}{{"after", a.After}, {"starts", a.Starts}, {"stops", a.Stops}} {
			for _, name := range set.names {
				if !autoNames[name] {
					errs = append(errs, fmt.Errorf("automation %q %s references unknown automation %q", a.Name, set.field, name))
				}
			}
		}
	}

	errs = append(errs, m.checkAfterCycles()...)

	return errors.Join(errs...)
}

func validateAttributes(entity string, attrs []Attribute) []error {
	var errs []error
	valid := map[AttributeKind]bool{
		AttrInt: true, AttrFloat: true, AttrBool: true, AttrString: true,
		AttrTime: true, AttrList: true, AttrDict: true,
	}
	seen := map[string]bool{}
	for _, a := range attrs {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("entity %q has an attribute with empty name", entity))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("entity %q attribute %q declared more than once", entity, a.Name))
		}
		seen[a.Name] = true
		if !valid[a.Kind] {
			errs = append(errs, fmt.Errorf("entity %q attribute %q has unknown type %q", entity, a.Name, a.Kind))
		}
		if a.Kind == AttrDict {
			errs = append(errs, validateAttributes(entity+"."+a.Name, a.Items)...)
		}
		if a.Kind != AttrDict && len(a.Items) > 0 {
			errs = append(errs, fmt.Errorf("entity %q attribute %q has items but is not a dict", entity, a.Name))
		}
	}
	return errs
}

func (m *Model) validateActions(a *Automation) []error {
	var errs []error
	for _, act := range a.Actions {
		e, ok := m.Entity(act.Entity)
		if !ok {
			errs = append(errs, fmt.Errorf("automation %q action references unknown entity %q", a.Name, act.Entity))
			continue
		}
		if _, ok := e.Attribute(act.Attribute); !ok {
			errs = append(errs, fmt.Errorf("automation %q action references unknown attribute %s.%s", a.Name, act.Entity, act.Attribute))
		}
	}
	return errs
}

func (m *Model) validateConditionRefs(a *Automation) []error {
	if a.Condition == nil {
		return nil
	}
	var errs []error
	for _, ref := range a.Condition.References() {
		e, ok := m.Entity(ref[0])
		if !ok {
			errs = append(errs, fmt.Errorf("automation %q condition references unknown entity %q", a.Name, ref[0]))
			continue
		}
		if _, ok := e.Attribute(ref[1]); !ok {
			errs = append(errs, fmt.Errorf("automation %q condition references unknown attribute %s.%s", a.Name, ref[0], ref[1]))
		}
	}
	return errs
}

// checkAfterCycles rejects cyclic run-after dependencies. The language
// guarantees a DAG by construction; a hand-written model can still
// close a loop, which would deadlock every runner in it at the barrier.
func (m *Model) checkAfterCycles() []error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	after := map[string][]string{}
	for i := range m.Automations {
		after[m.Automations[i].Name] = m.Automations[i].After
	}

	var errs []error
	var visit func(name string, path []string)
	visit = func(name string, path []string) {
		switch state[name] {
		case visiting:
			errs = append(errs, fmt.Errorf("after dependency cycle involving %q (path %v)", name, path))
			return
		case done:
			return
		}
		state[name] = visiting
		for _, dep := range after[name] {
			if _, known := after[dep]; known {
				visit(dep, append(path, dep))
			}
		}
		state[name] = done
	}
	for name := range after {
		visit(name, []string{name})
	}
	return errs
}
