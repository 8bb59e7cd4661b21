// Package model defines the parsed SmAuto model the engine executes:
// brokers, entities with typed attributes, and automations. The textual
// grammar and its parser are external; the engine consumes the model as
// a YAML document in the shapes declared here.
package model

import (
	"gopkg.in/yaml.v3"

	"github.com/smauto/smauto/internal/condition"
)

// BrokerKind selects the transport implementation for a broker.
type BrokerKind string

const (
	BrokerMQTT  BrokerKind = "mqtt"
	BrokerAMQP  BrokerKind = "amqp"
	BrokerRedis BrokerKind = "redis"
)

// BrokerAuth carries optional plain credentials. Empty credentials are
// permitted where the broker allows anonymous access.
type BrokerAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Broker describes one message broker connection. Names are unique
// model-wide; the engine opens one transport per broker and shares it
// across all entities bound to it.
type Broker struct {
	Name string     `yaml:"name"`
	Kind BrokerKind `yaml:"kind"`
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	Auth *BrokerAuth `yaml:"auth,omitempty"`
	SSL  bool       `yaml:"ssl"`

	// AMQP extras.
	VHost         string `yaml:"vhost,omitempty"`
	TopicExchange string `yaml:"topic_exchange,omitempty"`
	RPCExchange   string `yaml:"rpc_exchange,omitempty"`

	// Redis extras.
	DB int `yaml:"db,omitempty"`
}

// applyDefaults fills kind-specific defaults: ports (MQTT 1883, AMQP
// 5672, Redis 6379), the AMQP vhost and exchanges, and the Redis db.
func (b *Broker) applyDefaults() {
	if b.Port == 0 {
		switch b.Kind {
		case BrokerMQTT:
			b.Port = 1883
		case BrokerAMQP:
			b.Port = 5672
		case BrokerRedis:
			b.Port = 6379
		}
	}
	if b.Kind == BrokerAMQP {
		if b.VHost == "" {
			b.VHost = "/"
		}
		if b.TopicExchange == "" {
			b.TopicExchange = "amq.topic"
		}
		if b.RPCExchange == "" {
			b.RPCExchange = "DEFAULT"
		}
	}
}

// AttributeKind is the declared type of an entity attribute.
type AttributeKind string

const (
	AttrInt    AttributeKind = "int"
	AttrFloat  AttributeKind = "float"
	AttrBool   AttributeKind = "bool"
	AttrString AttributeKind = "string"
	AttrTime   AttributeKind = "time"
	AttrList   AttributeKind = "list"
	AttrDict   AttributeKind = "dict"
)

// Numeric reports whether the kind can back a history window.
func (k AttributeKind) Numeric() bool {
	return k == AttrInt || k == AttrFloat
}

// Attribute is a typed named field of an entity. Dict attributes carry
// their named sub-fields in Items.
type Attribute struct {
	Name  string        `yaml:"name"`
	Kind  AttributeKind `yaml:"type"`
	Items []Attribute   `yaml:"items,omitempty"`
}

// EntityType classifies an entity. Informational: all entities may both
// publish and subscribe.
type EntityType string

const (
	EntitySensor   EntityType = "sensor"
	EntityActuator EntityType = "actuator"
	EntityHybrid   EntityType = "hybrid"
)

// Entity is a named addressable object bound to one broker topic.
type Entity struct {
	Name       string      `yaml:"name"`
	Type       EntityType  `yaml:"type"`
	Topic      string      `yaml:"topic"`
	Broker     string      `yaml:"broker"`
	Attributes []Attribute `yaml:"attributes"`
}

// Attribute returns the named top-level attribute, or false.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Action is one (entity, attribute, value) update published when an
// automation triggers.
type Action struct {
	Entity    string `yaml:"entity"`
	Attribute string `yaml:"attribute"`
	Value     any    `yaml:"value"`
}

// Automation couples a condition with actions and scheduling flags.
type Automation struct {
	Name      string          `yaml:"name"`
	Condition *condition.Node `yaml:"condition"`
	Actions   []Action        `yaml:"actions"`

	// Freq is the evaluation frequency in Hz. Zero or absent means 1.
	Freq float64 `yaml:"freq"`

	Enabled    bool `yaml:"-"`
	Continuous bool `yaml:"-"`
	CheckOnce  bool `yaml:"-"`

	After  []string `yaml:"after,omitempty"`
	Starts []string `yaml:"starts,omitempty"`
	Stops  []string `yaml:"stops,omitempty"`
}

// automationYAML mirrors Automation with pointer booleans so absent
// enabled/continuous default to true while check_once defaults false.
type automationYAML struct {
	Name      string          `yaml:"name"`
	Condition *condition.Node `yaml:"condition"`
	Actions   []Action        `yaml:"actions"`
	Freq      float64         `yaml:"freq"`

	Enabled    *bool `yaml:"enabled"`
	Continuous *bool `yaml:"continuous"`
	CheckOnce  bool  `yaml:"check_once"`

	After  []string `yaml:"after"`
	Starts []string `yaml:"starts"`
	Stops  []string `yaml:"stops"`
}

// UnmarshalYAML applies the language defaults: enabled and continuous
// are true unless stated, check_once is false, freq 0/null becomes 1 Hz.
func (a *Automation) UnmarshalYAML(node *yaml.Node) error {
	var raw automationYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Name = raw.Name
	a.Condition = raw.Condition
	a.Actions = raw.Actions
	a.Freq = raw.Freq
	if a.Freq <= 0 {
		a.Freq = 1
	}
	a.Enabled = raw.Enabled == nil || *raw.Enabled
	a.Continuous = raw.Continuous == nil || *raw.Continuous
	a.CheckOnce = raw.CheckOnce
	a.After = raw.After
	a.Starts = raw.Starts
	a.Stops = raw.Stops
	return nil
}

// Model is a complete parsed SmAuto model.
type Model struct {
	Metadata    Metadata     `yaml:"metadata,omitempty"`
	Brokers     []Broker     `yaml:"brokers"`
	Entities    []Entity     `yaml:"entities"`
	Automations []Automation `yaml:"automations"`
}

// Metadata is informational and does not affect execution.
type Metadata struct {
	Name        string `yaml:"name,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Broker returns the named broker, or false.
func (m *Model) Broker(name string) (*Broker, bool) {
	for i := range m.Brokers {
		if m.Brokers[i].Name == name {
			return &m.Brokers[i], true
		}
	}
	return nil, false
}

// Entity returns the named entity, or false.
func (m *Model) Entity(name string) (*Entity, bool) {
	for i := range m.Entities {
		if m.Entities[i].Name == name {
			return &m.Entities[i], true
		}
	}
	return nil, false
}

// Automation returns the named automation, or false.
func (m *Model) Automation(name string) (*Automation, bool) {
	for i := range m.Automations {
		if m.Automations[i].Name == name {
			return &m.Automations[i], true
		}
	}
	return nil, false
}

// SystemClockName and SystemClockTopic identify the built-in clock
// entity published at 1 Hz by a clock producer.
const (
	SystemClockName  = "system_clock"
	SystemClockTopic = "system.clock"
)

// EnsureSystemClock appends the built-in system_clock entity (one time
// attribute named "time" on topic system.clock) when the model does not
// declare it. It binds to the first declared broker; models with no
// brokers are rejected by Validate before this matters.
func (m *Model) EnsureSystemClock() {
	if _, ok := m.Entity(SystemClockName); ok {
		return
	}
	if len(m.Brokers) == 0 {
		return
	}
	m.Entities = append(m.Entities, Entity{
		Name:       SystemClockName,
		Type:       EntitySensor,
		Topic:      SystemClockTopic,
		Broker:     m.Brokers[0].Name,
		Attributes: []Attribute{{Name: "time", Kind: AttrTime}},
	})
}
