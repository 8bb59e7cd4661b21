// Package engine builds the runtime from a validated model and owns
// its lifecycle: broker transports, the entity state plane, compiled
// conditions, and one runner goroutine per automation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smauto/smauto/internal/automation"
	"github.com/smauto/smauto/internal/condition"
	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
	"github.com/smauto/smauto/internal/state"
	"github.com/smauto/smauto/internal/transport"
)

// TransportFactory builds a transport for one broker declaration.
// Tests substitute in-memory brokers through Options.NewTransport.
type TransportFactory func(ctx context.Context, b model.Broker, instanceID string,
	logger *slog.Logger, bus *events.Bus) (transport.Transport, error)

// Options configures an Engine.
type Options struct {
	// Logger receives structured runtime logs. Defaults to slog.Default.
	Logger *slog.Logger
	// Bus receives operational events. Optional; a nil bus drops them.
	Bus *events.Bus
	// ClockProducer enables the built-in 1 Hz publisher on the
	// system.clock topic, for models with no external clock source.
	ClockProducer bool
	// NewTransport overrides broker transport construction.
	NewTransport TransportFactory
}

// Engine executes one model. Construct with New, drive with Run.
type Engine struct {
	model      *model.Model
	logger     *slog.Logger
	bus        *events.Bus
	opts       Options
	instanceID string
}

// New injects the built-in system_clock entity if absent, validates
// the model, and prepares an engine. The clock is injected first so
// conditions may reference system_clock.time without declaring the
// entity. Configuration errors surface here; the engine refuses to
// start on an invalid model. The caller's model is not modified.
func New(m *model.Model, opts Options) (*Engine, error) {
	// Work on a copy so the clock injection never mutates the model
	// the caller handed in.
	mc := *m
	mc.Entities = append([]model.Entity(nil), m.Entities...)
	mc.EnsureSystemClock()
	if err := mc.Validate(); err != nil {
		return nil, fmt.Errorf("model validation: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:      &mc,
		logger:     logger,
		bus:        opts.Bus,
		opts:       opts,
		instanceID: uuid.NewString(),
	}, nil
}

// Run starts the engine and blocks until ctx is cancelled. Shutdown is
// ordered: runners exit at their next tick boundary first, then broker
// subscribers and publishers close, so no inbound update is processed
// against torn structures.
func (e *Engine) Run(ctx context.Context) error {
	// Transports outlive ctx so runners can finish dispatching during
	// shutdown; they are torn down explicitly at the end.
	transportCtx, stopTransports := context.WithCancel(context.Background())
	defer stopTransports()

	newTransport := e.opts.NewTransport
	if newTransport == nil {
		newTransport = transport.New
	}

	// One transport per distinct broker declaration, shared by every
	// entity bound to it.
	transports := make(map[string]transport.Transport, len(e.model.Brokers))
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for name, tr := range transports {
			if err := tr.Close(closeCtx); err != nil {
				e.logger.Warn("transport close failed", "broker", name, "error", err)
			}
		}
	}
	for _, b := range e.model.Brokers {
		tr, err := newTransport(transportCtx, b, e.instanceID, e.logger, e.bus)
		if err != nil {
			closeAll()
			return fmt.Errorf("broker %s: %w", b.Name, err)
		}
		transports[b.Name] = tr
	}

	store := state.New(e.model.Entities, e.logger, e.bus)

	// Compile every condition up front. Compilation declares aggregate
	// windows on the store, so buffers exist before the first inbound
	// message or evaluation.
	compiled := make(map[string]*condition.Compiled, len(e.model.Automations))
	for i := range e.model.Automations {
		a := &e.model.Automations[i]
		c, err := condition.Compile(a.Condition, store)
		if err != nil {
			closeAll()
			return fmt.Errorf("automation %s: compile condition: %w", a.Name, err)
		}
		compiled[a.Name] = c
		e.logger.Debug("condition compiled", "automation", a.Name, "condition", c.String())
	}

	// Open one subscription and one dispatch target per entity.
	targets := make(map[string]automation.Target, len(e.model.Entities))
	for i := range e.model.Entities {
		ent := e.model.Entities[i]
		tr := transports[ent.Broker]
		targets[ent.Name] = automation.Target{Topic: ent.Topic, Pub: tr}

		name := ent.Name
		handler := func(topic string, payload []byte) {
			if err := store.Apply(name, payload); err != nil {
				e.logger.Debug("inbound update rejected", "entity", name, "topic", topic, "error", err)
			}
		}
		if err := tr.Subscribe(transportCtx, ent.Topic, handler); err != nil {
			closeAll()
			return fmt.Errorf("entity %s: subscribe %s: %w", ent.Name, ent.Topic, err)
		}
	}

	dispatcher := automation.NewDispatcher(targets, e.logger, e.bus)
	registry := automation.NewRegistry()
	runners := make([]*automation.Runner, 0, len(e.model.Automations))
	for i := range e.model.Automations {
		a := e.model.Automations[i]
		r := automation.NewRunner(a, compiled[a.Name], store, dispatcher, registry, e.logger, e.bus)
		registry.Add(r)
		runners = append(runners, r)
	}

	// Runners get their own cancellation so they stop before the
	// transports do.
	runCtx, stopRunners := context.WithCancel(context.Background())
	defer stopRunners()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *automation.Runner) {
			defer wg.Done()
			r.Run(runCtx)
		}(r)
	}

	if e.opts.ClockProducer {
		if clock, ok := e.model.Entity(model.SystemClockName); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.runClock(runCtx, transports[clock.Broker], clock.Topic)
			}()
		}
	}

	e.logger.Info("engine started",
		"entities", len(e.model.Entities),
		"automations", len(runners),
		"transports", len(transports))
	e.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindEngineStarted,
		Data: map[string]any{
			"entities":    len(e.model.Entities),
			"automations": len(runners),
			"transports":  len(transports),
		},
	})

	<-ctx.Done()

	e.logger.Info("engine stopping")
	stopRunners()
	wg.Wait()
	closeAll()
	stopTransports()

	e.bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindEngineStopped})
	e.logger.Info("engine stopped")
	return nil
}
