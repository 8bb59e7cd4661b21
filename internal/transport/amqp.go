package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/smauto/smauto/internal/events"
	"github.com/smauto/smauto/internal/model"
)

// amqpTransport speaks AMQP 0.9.1 through a topic exchange. Each
// subscription gets its own exclusive auto-delete queue bound to the
// exchange with the topic as routing key (AMQP routing keys are
// dot-separated, so engine topics map directly). A monitor goroutine
// redials with bounded backoff when the connection drops and replays
// every subscription.
type amqpTransport struct {
	cfg      model.Broker
	logger   *slog.Logger
	bus      *events.Bus
	url      string
	exchange string
	tag      string

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	subs   map[string]Handler
	closed bool
	done   chan struct{}
}

// amqpURL renders the broker config as a dial URL. The default vhost
// "/" maps to an empty path; anything else is path-escaped.
func amqpURL(b model.Broker) string {
	scheme := "amqp"
	if b.SSL {
		scheme = "amqps"
	}
	var userinfo string
	if b.Auth != nil && b.Auth.Username != "" {
		userinfo = url.QueryEscape(b.Auth.Username) + ":" + url.QueryEscape(b.Auth.Password) + "@"
	}
	vhost := b.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("%s://%s%s:%d/%s", scheme, userinfo, b.Host, b.Port, url.PathEscape(vhost))
}

func newAMQP(ctx context.Context, b model.Broker, instanceID string, logger *slog.Logger, bus *events.Bus) (Transport, error) {
	t := &amqpTransport{
		cfg:      b,
		logger:   logger,
		bus:      bus,
		url:      amqpURL(b),
		exchange: b.TopicExchange,
		tag:      "smauto-" + instanceID,
		subs:     make(map[string]Handler),
		done:     make(chan struct{}),
	}
	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("amqp broker %s: %w", b.Name, err)
	}
	go t.monitor()
	return t, nil
}

// connect dials, opens the publish channel, and declares the exchange
// when it is not one of the broker-reserved amq.* exchanges.
func (t *amqpTransport) connect(ctx context.Context) error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if !strings.HasPrefix(t.exchange, "amq.") {
		if err := pubCh.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange %s: %w", t.exchange, err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.pubCh = pubCh
	subs := make(map[string]Handler, len(t.subs))
	for topic, h := range t.subs {
		subs[topic] = h
	}
	t.mu.Unlock()

	// Replay subscriptions after a reconnect.
	for topic, h := range subs {
		if err := t.consume(topic, h); err != nil {
			t.logger.Warn("amqp resubscribe failed", "topic", topic, "error", err)
		}
	}

	t.bus.Publish(events.Event{
		Source: events.SourceTransport,
		Kind:   events.KindConnected,
		Data:   map[string]any{"broker": t.cfg.Name, "kind": "amqp"},
	})
	return nil
}

// monitor watches for dropped connections and redials with bounded
// backoff until Close. Subscriptions are replayed by connect.
func (t *amqpTransport) monitor() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-t.done:
			return
		case err := <-closeCh:
			if err == nil {
				// Clean shutdown.
				return
			}
			t.logger.Warn("amqp connection lost, reconnecting", "error", err)
		}

		backoff := time.Second
		for {
			select {
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			if err := t.connect(context.Background()); err != nil {
				t.logger.Warn("amqp reconnect failed", "error", err, "retry_in", backoff.String())
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			t.logger.Info("amqp reconnected")
			break
		}
	}
}

// consume opens a consumer channel with a private queue bound to the
// topic and pumps deliveries to the handler until the channel closes.
func (t *amqpTransport) consume(topic string, h Handler) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, t.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind %s to %s: %w", q.Name, topic, err)
	}
	deliveries, err := ch.Consume(q.Name, t.tag+"-"+topic, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go func() {
		for d := range deliveries {
			h(topic, d.Body)
		}
	}()
	return nil
}

func (t *amqpTransport) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh == nil {
		return fmt.Errorf("amqp publish %s: not connected", topic)
	}
	if err := t.pubCh.PublishWithContext(ctx, t.exchange, topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	}); err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}
	return nil
}

func (t *amqpTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	t.mu.Lock()
	t.subs[topic] = h
	t.mu.Unlock()

	if err := t.consume(topic, h); err != nil {
		return fmt.Errorf("amqp subscribe %s: %w", topic, err)
	}
	t.logger.Debug("amqp subscribed", "topic", topic)
	return nil
}

func (t *amqpTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.pubCh = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
