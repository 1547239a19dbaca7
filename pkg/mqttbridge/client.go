package mqttbridge

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 500 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// Status payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientConfig configures the MQTT connection.
type ClientConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883 or ssl://host:8883.
	Broker string

	// ClientID defaults to "kclink-" plus a random UUID.
	ClientID string

	Username string
	Password string

	// Prefix is the topic root (default DefaultPrefix).
	Prefix string

	// QoS for publications and subscriptions.
	QoS byte

	// Logger for operational logging (optional).
	Logger *slog.Logger
}

// MessageHandler is called for every message on a subscribed topic. It runs
// on a paho goroutine.
type MessageHandler func(topic string, payload []byte) error

// Transport is the part of an MQTT client the bridge needs.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Client wraps paho.mqtt.golang. Subscriptions are restored on reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    ClientConfig
	topics Topics
	logger *slog.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the broker and publishes the online status.
func Connect(cfg ClientConfig) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "kclink-" + uuid.New().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	c := &Client{
		cfg:           cfg,
		topics:        Topics{Prefix: cfg.Prefix},
		logger:        cfg.Logger.With("component", "mqtt"),
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, c.topics)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

func buildClientOptions(cfg ClientConfig, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(topics.Status(), StatusOffline, 1, true)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	return opts
}

func (c *Client) handleConnect() {
	c.subMu.RLock()
	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.Status(), c.cfg.QoS, true, StatusOnline)
	c.logger.Info("MQTT connected", "broker", c.cfg.Broker)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish sends payload to topic.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic.
func (c *Client) Unsubscribe(topic string) error {
	c.forget(topic)
	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	token.WaitTimeout(defaultPublishTimeout)
	return token.Error()
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.cfg.QoS, true, StatusOffline)
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}

var _ Transport = (*Client)(nil)
