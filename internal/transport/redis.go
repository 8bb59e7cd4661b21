package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// redisTransport uses Redis native pub/sub. Engine dot-topics map
// directly to channel names. go-redis reconnects internally and a
// PubSub re-enters SUBSCRIBE after a dropped connection, so no monitor
// loop is needed here.
type redisTransport struct {
	cfg    model.Broker
	logger *slog.Logger
	bus    *events.Bus
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

func newRedis(ctx context.Context, b model.Broker, logger *slog.Logger, bus *events.Bus) (Transport, error) {
	opts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", b.Host, b.Port),
		DB:   b.DB,
	}
	if b.Auth != nil {
		opts.Username = b.Auth.Username
		opts.Password = b.Auth.Password
	}
	if b.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	// Fail startup on unreachable or unauthorized brokers.
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis broker %s: ping %s:%d: %w", b.Name, b.Host, b.Port, err)
	}

	bus.Publish(events.Event{
		Source: events.SourceTransport,
		Kind:   events.KindConnected,
		Data:   map[string]any{"broker": b.Name, "kind": "redis"},
	})
	return &redisTransport{cfg: b, logger: logger, bus: bus, client: client}, nil
}

func (t *redisTransport) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (t *redisTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("redis subscribe %s: transport closed", topic)
	}
	ps := t.client.Subscribe(ctx, topic)
	t.pubsubs = append(t.pubsubs, ps)
	t.mu.Unlock()

	// Confirm the subscription is live before returning so a message
	// published right after Subscribe is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range ps.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()

	t.logger.Debug("redis subscribed", "topic", topic)
	return nil
}

func (t *redisTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pubsubs := t.pubsubs
	t.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return t.client.Close()
}
