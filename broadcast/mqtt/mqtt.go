// Package mqtt implements core.Broadcaster over an MQTT broker using
// paho.golang's autopaho connection manager. Channels map to topics under a
// configurable prefix; subscriptions are re-established on every reconnect.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hupe1980/convoloop/logging"
)

// Options configures the MQTT broadcaster.
type Options struct {
	// Broker is the broker URL (mqtt://, mqtts:// or ssl:// scheme).
	Broker string
	// TopicPrefix namespaces every channel topic (default "convoloop").
	TopicPrefix string
	// ClientID identifies this process on the broker; must be unique.
	ClientID string
	Username string
	Password string
	// ConnectTimeout bounds the wait for the initial connection.
	ConnectTimeout time.Duration
	Logger         logging.Logger
}

// Broadcaster is an MQTT-backed core.Broadcaster.
type Broadcaster struct {
	opts   Options
	cm     *autopaho.ConnectionManager
	logger logging.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]func(payload []byte)
}

// New connects to the broker and returns a ready Broadcaster. The connection
// is managed in the background until ctx is cancelled or Close is called;
// autopaho keeps retrying on transient failures.
func New(ctx context.Context, optFns ...func(o *Options)) (*Broadcaster, error) {
	opts := Options{
		TopicPrefix:    "convoloop",
		ConnectTimeout: 30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker URL is required")
	}

	brokerURL, err := url.Parse(opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	b := &Broadcaster{
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		handlers: make(map[string]map[uint64]func(payload []byte)),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: opts.Username,
		ConnectPassword: []byte(opts.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", opts.Broker)
			b.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return b, nil
}

// Publish implements core.Broadcaster.
func (b *Broadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topic(channel),
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements core.Broadcaster.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	topic := b.topic(channel)

	b.mu.Lock()
	first := len(b.handlers[topic]) == 0
	if first {
		b.handlers[topic] = make(map[uint64]func(payload []byte))
	}
	b.nextID++
	id := b.nextID
	b.handlers[topic][id] = handler
	b.mu.Unlock()

	if first && b.cm != nil {
		if _, err := b.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
		}); err != nil {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			if len(b.handlers[topic]) == 0 {
				delete(b.handlers, topic)
			}
			b.mu.Unlock()
			return nil, fmt.Errorf("mqtt subscribe %s: %w", channel, err)
		}
	}

	return func() {
		b.mu.Lock()
		_, live := b.handlers[topic][id]
		delete(b.handlers[topic], id)
		last := live && len(b.handlers[topic]) == 0
		if last {
			delete(b.handlers, topic)
		}
		b.mu.Unlock()

		// The broker keeps delivering until told otherwise; drop the
		// subscription once the last local handler is gone.
		if last && b.cm != nil {
			if _, err := b.cm.Unsubscribe(context.Background(), &paho.Unsubscribe{
				Topics: []string{topic},
			}); err != nil {
				b.logger.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
			}
		}
	}, nil
}

// Close disconnects from the broker.
func (b *Broadcaster) Close(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

func (b *Broadcaster) topic(channel string) string {
	return b.opts.TopicPrefix + "/" + channel
}

func (b *Broadcaster) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	handlers := make([]func(payload []byte), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (b *Broadcaster) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.RLock()
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()
	for _, topic := range topics {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
		}); err != nil {
			b.logger.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}
