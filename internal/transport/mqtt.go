// Package transport delivers queued messages to the central broker over
// MQTT and receives inbound consultation traffic.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/types"
)

// Token tracks an asynchronous publish. Done must never block: the
// cooperative loop polls completion across ticks.
type Token interface {
	Done() bool
	Err() error
}

// MessageHandler receives inbound broker messages.
type MessageHandler func(topic string, payload []byte)

// Client is the broker capability the publisher consumes.
type Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	// Publish starts an asynchronous publish and returns its Token.
	Publish(topic string, qos byte, payload []byte) (Token, error)
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Disconnect()
}

// PahoClient wraps the Eclipse Paho client. Subscriptions are replayed on
// every (re)connect so a broker restart does not silently drop the inbound
// consultation channel.
type PahoClient struct {
	client mqtt.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// NewPahoClient builds a client from MQTT configuration. Connection is
// deferred to Connect so the agent boots and queues even with the broker
// unreachable.
func NewPahoClient(cfg config.MQTTConfig, logger *zap.Logger) *PahoClient {
	p := &PahoClient{
		logger: logger,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts = opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	opts = opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", zap.Error(err))
	})
	opts = opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("broker connected")
		p.resubscribe(c)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect attempts the initial broker connection within the context
// deadline. Failure is not fatal; the connectivity monitor retries.
func (p *PahoClient) Connect(ctx context.Context) error {
	token := p.client.Connect()
	deadline, ok := ctx.Deadline()
	wait := 10 * time.Second
	if ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return types.ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Connected reports the live session state.
func (p *PahoClient) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Publish starts an asynchronous publish.
func (p *PahoClient) Publish(topic string, qos byte, payload []byte) (Token, error) {
	if !p.Connected() {
		return nil, types.ErrNotConnected
	}
	return pahoToken{p.client.Publish(topic, qos, false, payload)}, nil
}

// Subscribe registers a handler and subscribes when connected. The
// registration survives reconnects.
func (p *PahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	p.mu.Lock()
	p.subs[topic] = subscription{qos: qos, handler: handler}
	p.mu.Unlock()

	if !p.Connected() {
		return nil // replayed by the on-connect handler
	}
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return types.ErrPublishTimeout
	}
	return token.Error()
}

// Disconnect closes the session, allowing in-flight traffic to drain.
func (p *PahoClient) Disconnect() {
	p.client.Disconnect(250)
}

func (p *PahoClient) resubscribe(c mqtt.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, sub := range p.subs {
		handler := sub.handler
		token := c.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			p.logger.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

type pahoToken struct {
	t mqtt.Token
}

func (pt pahoToken) Done() bool {
	select {
	case <-pt.t.Done():
		return true
	default:
		return false
	}
}

func (pt pahoToken) Err() error {
	return pt.t.Error()
}

// NetworkProbe returns a connectivity probe that dials the broker's TCP
// endpoint, proving network-layer reachability independent of the MQTT
// session.
func NetworkProbe(brokerURL string) (func(ctx context.Context) error, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Opaque
	}
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// TransportProbe returns a probe reporting broker session liveness. On a
// down session it nudges reconnection by attempting Connect, bounded by the
// probe context.
func TransportProbe(client Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if client.Connected() {
			return nil
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		if !client.Connected() {
			return types.ErrNotConnected
		}
		return nil
	}
}
