package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// mqttTransport speaks MQTT through autopaho's connection manager,
// which handles reconnection and session state. Subscriptions are
// replayed on every (re-)connect.
type mqttTransport struct {
	cfg    model.Broker
	logger *slog.Logger
	bus    *events.Bus
	cm     *autopaho.ConnectionManager

	mu   sync.Mutex
	subs map[string]Handler // native (slash) topic -> handler
}

// connectTimeout bounds how long engine startup waits for the initial
// broker connection before treating the configuration as broken.
const connectTimeout = 30 * time.Second

func newMQTT(ctx context.Context, b model.Broker, instanceID string, logger *slog.Logger, bus *events.Bus) (Transport, error) {
	scheme := "mqtt"
	if b.SSL {
		scheme = "mqtts"
	}
	brokerURL, err := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port))
	if err != nil {
		return nil, fmt.Errorf("mqtt broker %s: bad address: %w", b.Name, err)
	}

	t := &mqttTransport{
		cfg:    b,
		logger: logger,
		bus:    bus,
		subs:   make(map[string]Handler),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt connected", "host", b.Host, "port", b.Port)
			t.resubscribe(ctx, cm)
			t.bus.Publish(events.Event{
				Source: events.SourceTransport,
				Kind:   events.KindConnected,
				Data:   map[string]any{"broker": b.Name, "kind": "mqtt"},
			})
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "smauto-" + instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if b.Auth != nil {
		pahoCfg.ConnectUsername = b.Auth.Username
		pahoCfg.ConnectPassword = []byte(b.Auth.Password)
	}
	if b.SSL {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt broker %s: connect: %w", b.Name, err)
	}
	t.cm = cm

	// A broker that cannot be reached at all within the startup window
	// is a configuration failure; abort rather than spin forever.
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, fmt.Errorf("mqtt broker %s: unreachable at %s:%d: %w", b.Name, b.Host, b.Port, err)
	}
	return t, nil
}

// mqttTopic translates an engine dot-topic to MQTT's slash form.
func mqttTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}

// engineTopic is the inverse of mqttTopic.
func engineTopic(native string) string {
	return strings.ReplaceAll(native, "/", ".")
}

func (t *mqttTransport) dispatch(nativeTopic string, payload []byte) {
	t.mu.Lock()
	h := t.subs[nativeTopic]
	t.mu.Unlock()
	if h == nil {
		return
	}
	h(engineTopic(nativeTopic), payload)
}

func (t *mqttTransport) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	t.mu.Lock()
	topics := make([]string, 0, len(t.subs))
	for topic := range t.subs {
		topics = append(topics, topic)
	}
	t.mu.Unlock()
	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, len(topics))
	for i, topic := range topics {
		opts[i] = paho.SubscribeOptions{Topic: topic, QoS: 1}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		t.logger.Warn("mqtt resubscribe failed", "topics", len(topics), "error", err)
	}
}

func (t *mqttTransport) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	if _, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   mqttTopic(topic),
		Payload: data,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *mqttTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	native := mqttTopic(topic)
	t.mu.Lock()
	t.subs[native] = h
	t.mu.Unlock()

	if _, err := t.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: native, QoS: 1}},
	}); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	t.logger.Debug("mqtt subscribed", "topic", topic)
	return nil
}

func (t *mqttTransport) Close(ctx context.Context) error {
	return t.cm.Disconnect(ctx)
}
