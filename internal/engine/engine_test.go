package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
	"github.com/smauto/smauto/internal/transport"
)

// fakeHub is an in-memory broker shared by every entity in a test
// model: publishes loop straight back to topic subscribers, the way a
// real broker would deliver the engine's own action messages.
type fakeHub struct {
	mu   sync.Mutex
	subs map[string][]transport.Handler
	log  map[string][]map[string]any
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		subs: make(map[string][]transport.Handler),
		log:  make(map[string][]map[string]any),
	}
}

func (h *fakeHub) Publish(_ context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.log[topic] = append(h.log[topic], payload)
	handlers := append([]transport.Handler(nil), h.subs[topic]...)
	h.mu.Unlock()
	for _, handler := range handlers {
		handler(topic, data)
	}
	return nil
}

func (h *fakeHub) Subscribe(_ context.Context, topic string, handler transport.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[topic] = append(h.subs[topic], handler)
	return nil
}

func (h *fakeHub) Close(context.Context) error { return nil }

func (h *fakeHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *fakeHub) messages(topic string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.log[topic]...)
}

func testModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Parse([]byte(`
brokers:
  - name: home
    kind: mqtt
    host: localhost
entities:
  - name: motion_detector
    type: sensor
    topic: bedroom.motion_detector
    broker: home
    attributes:
      - name: detected
        type: bool
  - name: bedroom_lamp
    type: actuator
    topic: bedroom.lamp
    broker: home
    attributes:
      - name: power
        type: bool
automations:
  - name: motion_light
    freq: 20
    condition:
      lhs: { attr: motion_detector.detected }
      cmp: "=="
      rhs: true
    actions:
      - entity: bedroom_lamp
        attribute: power
        value: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestEngineMotionTriggersLamp(t *testing.T) {
	hub := newFakeHub()
	bus := events.New()
	evCh := bus.Subscribe(256)
	defer bus.Unsubscribe(evCh)

	eng, err := New(testModel(t), Options{
		Logger: quietLogger(),
		Bus:    bus,
		NewTransport: func(context.Context, model.Broker, string, *slog.Logger, *events.Bus) (transport.Transport, error) {
			return hub, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Wait for every entity subscription, including the injected
	// system_clock, before feeding sensor input.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.subscriberCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.subscriberCount(); got < 3 {
		t.Fatalf("engine opened %d subscriptions, want 3", got)
	}

	// Sensor reports motion; the automation should switch the lamp on.
	if err := hub.Publish(ctx, "bedroom.motion_detector", map[string]any{"detected": true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(hub.messages("bedroom.lamp")) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	lamp := hub.messages("bedroom.lamp")
	if len(lamp) == 0 {
		t.Fatal("automation never published to bedroom.lamp")
	}
	if lamp[0]["power"] != true {
		t.Errorf("lamp payload = %v, want power true", lamp[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down")
	}

	// The whole lifecycle is observable on the event bus.
	kinds := make(map[string]bool)
drain:
	for {
		select {
		case ev := <-evCh:
			kinds[ev.Kind] = true
		default:
			break drain
		}
	}
	for _, want := range []string{events.KindEngineStarted, events.KindTriggered, events.KindEngineStopped} {
		if !kinds[want] {
			t.Errorf("no %s event observed on the bus", want)
		}
	}
}

func TestEngineInjectsSystemClock(t *testing.T) {
	// system_clock is a language builtin: conditions may reference it
	// without the model declaring the entity.
	m, err := model.Parse([]byte(`
brokers:
  - name: home
    kind: mqtt
    host: localhost
entities:
  - name: bedroom_lamp
    type: actuator
    topic: bedroom.lamp
    broker: home
    attributes:
      - name: power
        type: bool
automations:
  - name: night_shutdown
    condition:
      lhs: { attr: system_clock.time }
      cmp: ">"
      rhs: { time: "23:00:00" }
    actions:
      - entity: bedroom_lamp
        attribute: power
        value: false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	declared := len(m.Entities)
	eng, err := New(m, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New rejected an undeclared system_clock reference: %v", err)
	}
	if _, ok := eng.model.Entity(model.SystemClockName); !ok {
		t.Error("engine model is missing the injected system_clock entity")
	}
	if len(m.Entities) != declared {
		t.Errorf("New modified the caller's model: %d entities, want %d", len(m.Entities), declared)
	}
}

func TestEngineRejectsInvalidModel(t *testing.T) {
	m := testModel(t)
	m.Entities[0].Broker = "nowhere"
	if _, err := New(m, Options{Logger: quietLogger()}); err == nil {
		t.Fatal("New accepted a model with a dangling broker reference")
	}
}

func TestEngineAbortsOnCompileFailure(t *testing.T) {
	m := testModel(t)
	m.Automations[0].Condition.Lhs.Aggregate = "median"
	m.Automations[0].Condition.Lhs.Window = 3
	// The aggregate references a bool attribute and an unknown function;
	// validation passes (the reference exists) but compilation must not.
	hub := newFakeHub()
	eng, err := New(m, Options{
		Logger: quietLogger(),
		NewTransport: func(context.Context, model.Broker, string, *slog.Logger, *events.Bus) (transport.Transport, error) {
			return hub, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Run(context.Background()); err == nil {
		t.Fatal("Run accepted an uncompilable condition")
	}
}

func TestEngineTransportFailureAbortsStartup(t *testing.T) {
	eng, err := New(testModel(t), Options{
		Logger: quietLogger(),
		NewTransport: func(context.Context, model.Broker, string, *slog.Logger, *events.Bus) (transport.Transport, error) {
			return nil, context.DeadlineExceeded
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Run(context.Background()); err == nil {
		t.Fatal("Run should fail when a broker is unreachable")
	}
}
