package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a model file. Environment variables in the
// document are expanded before unmarshalling so broker credentials can
// be kept out of the model file:
//
//	auth:
//	  username: ${MQTT_USER}
//	  password: ${MQTT_PASS}
//
// Load parses and applies defaults but does not validate; callers run
// [Model.Validate] before handing the model to the engine.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	return m, nil
}

// Parse unmarshals a model document and applies broker defaults.
func Parse(data []byte) (*Model, error) {
	expanded := os.ExpandEnv(string(data))

	var m Model
	if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
		return nil, err
	}
	for i := range m.Brokers {
		m.Brokers[i].applyDefaults()
	}
	return &m, nil
}
