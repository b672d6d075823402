package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
)

// Client is the bridge's connection to the MQTT broker.
//
// Routes registered with Subscribe survive reconnects: every time paho
// reports the session up again the client re-installs them and republishes
// the retained "online" status. All methods are safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	online atomic.Bool

	mu     sync.RWMutex
	routes map[string]route
	hooks  hooks
}

// Logger is the subset of *slog.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives the topic (wildcards expanded) and raw payload of
// an inbound message. Paho invokes it on its own goroutine; a returned error
// is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

type hooks struct {
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// Connect dials the broker described by cfg and waits for the first CONNACK.
// The retained status topic carries a last will so consumers see the bridge
// drop even when it dies without calling Close.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		topics: NewTopics(cfg.TopicPrefix),
		routes: make(map[string]route),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionDown(err) })
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, o *pahomqtt.ClientOptions) {
		c.warn("mqtt reconnecting", "client_id", o.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), defaultConnectTimeout); err != nil {
		// ConnectRetry keeps paho dialling in the background otherwise.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg), err)
	}

	// The OnConnect handler runs asynchronously; mark the session up now so
	// callers can publish straight away.
	c.online.Store(true)
	return c, nil
}

// await waits for a paho token, converting a missed deadline into ErrTimeout.
func await(tok pahomqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return tok.Error()
}

func (c *Client) sessionUp() {
	c.online.Store(true)

	for _, r := range c.snapshotRoutes() {
		c.paho.Subscribe(r.filter, r.qos, c.dispatch(r.handler))
	}
	c.announce("online", "")

	c.mu.RLock()
	fn := c.hooks.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) sessionDown(err error) {
	c.online.Store(false)

	c.mu.RLock()
	fn := c.hooks.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// announce publishes a retained status record on {prefix}/status.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	payload := buildStatusPayload(c.cfg.Broker.ClientID, status, reason)
	return c.paho.Publish(c.topics.SystemStatus(), byte(c.cfg.QoS), true, payload)
}

// Close publishes a graceful "offline" status, which consumers can tell
// apart from the last will, and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce("offline", "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.online.Store(false)
	return nil
}

// Topics returns the topic builders for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// HealthCheck reports ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up according to both the
// client's own bookkeeping and paho.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.online.Load() && c.paho.IsConnected()
}

// SetOnConnect registers fn to run after every (re)connect, once routes
// have been restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.hooks.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run when the broker connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.hooks.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets where handler failures and reconnect attempts are
// reported. A nil logger silences them.
func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	c.hooks.logger = l
	c.mu.Unlock()
}

func (c *Client) logger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks.logger
}

func (c *Client) warn(msg string, args ...any) {
	if l := c.logger(); l != nil {
		l.Warn(msg, args...)
	}
}
