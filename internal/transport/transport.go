// Package transport provides the pub/sub abstraction the engine speaks
// to its brokers through. One Transport is opened per distinct broker
// declaration and shared by every entity bound to it.
//
// Topic names are dot-separated throughout the engine (for example
// "bedroom.motion_detector"). Each implementation translates to its
// broker-native separator: MQTT uses "/", AMQP routing keys and Redis
// channels use dots natively.
//
// Failure semantics: transient network errors are retried inside the
// transport (reconnect loops) and never reach automation runners; a
// permanent configuration failure (unresolvable host, refused auth)
// surfaces from [New] and aborts engine startup; publish errors are
// returned to the caller, which logs and drops.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// Handler is called for each message received on a subscribed topic.
// The topic is in engine (dot-separated) form. Implementations must be
// safe for concurrent use.
type Handler func(topic string, payload []byte)

// Transport is a connected pub/sub client for one broker. Payloads are
// JSON objects whose top-level keys are attribute names.
type Transport interface {
	// Publish marshals payload to JSON and sends it on topic.
	Publish(ctx context.Context, topic string, payload map[string]any) error
	// Subscribe registers a long-lived subscription. The subscription
	// survives reconnects.
	Subscribe(ctx context.Context, topic string, h Handler) error
	// Close tears down the connection. No handlers are invoked after
	// Close returns.
	Close(ctx context.Context) error
}

// New opens a transport for the broker declaration. instanceID makes
// client IDs and consumer queues unique per engine instance so two
// engines on one broker do not steal each other's subscriptions.
func New(ctx context.Context, b model.Broker, instanceID string, logger *slog.Logger, bus *events.Bus) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("broker", b.Name, "kind", string(b.Kind))

	switch b.Kind {
	case model.BrokerMQTT:
		return newMQTT(ctx, b, instanceID, logger, bus)
	case model.BrokerAMQP:
		return newAMQP(ctx, b, instanceID, logger, bus)
	case model.BrokerRedis:
		return newRedis(ctx, b, logger, bus)
	default:
		return nil, fmt.Errorf("broker %q has unsupported kind %q", b.Name, b.Kind)
	}
}
