package automation

import (
	"context"
	"log/slog"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// Publisher is the outbound half of a broker transport. The dispatcher
// only publishes; it never subscribes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// Target binds an entity name to its topic and broker transport.
type Target struct {
	Topic string
	Pub   Publisher
}

// Dispatcher turns a triggered automation's action list into outbound
// messages: actions are grouped by target entity and merged into a
// single JSON object per entity, so all updates for one entity land
// atomically in one message.
type Dispatcher struct {
	targets map[string]Target
	logger  *slog.Logger
	bus     *events.Bus
}

// NewDispatcher creates a dispatcher over the engine's entity targets.
func NewDispatcher(targets map[string]Target, logger *slog.Logger, bus *events.Bus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{targets: targets, logger: logger, bus: bus}
}

// Dispatch publishes one grouped message per entity named in actions.
// Ordering between entities is unspecified but stable (first
// appearance). A failed publish is logged and dropped; the action is
// considered attempted and the trigger still succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, automation string, actions []model.Action) {
	grouped := make(map[string]map[string]any)
	var order []string
	for _, a := range actions {
		msg, ok := grouped[a.Entity]
		if !ok {
			msg = make(map[string]any)
			grouped[a.Entity] = msg
			order = append(order, a.Entity)
		}
		msg[a.Attribute] = a.Value
	}

	for _, entity := range order {
		target, ok := d.targets[entity]
		if !ok {
			// Validation rejects unknown entities; this guards a
			// programming error, not user input.
			d.logger.Error("dispatch to unknown entity", "automation", automation, "entity", entity)
			continue
		}
		if err := target.Pub.Publish(ctx, target.Topic, grouped[entity]); err != nil {
			d.logger.Warn("action publish failed",
				"automation", automation, "entity", entity, "topic", target.Topic, "error", err)
			d.bus.Publish(events.Event{
				Source: events.SourceTransport,
				Kind:   events.KindPublishFailed,
				Data:   map[string]any{"topic": target.Topic, "error": err.Error()},
			})
			continue
		}
		d.logger.Debug("actions dispatched",
			"automation", automation, "entity", entity, "attributes", len(grouped[entity]))
	}
}
