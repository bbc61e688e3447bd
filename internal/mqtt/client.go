package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/observability/metrics"
)

// client implements the Client interface.
type client struct {
	config         Config
	internalClient mqtt.Client
	mu             sync.Mutex
	metrics        *metrics.MQTTMetrics
	log            logger.Logger
}

// NewClient creates a new MQTT client with the provided configuration.
// m may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics, log logger.Logger) Client {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo)
	}
	return &client{config: cfg, metrics: m, log: log}
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
// A run publishes a handful of messages, so the client neither retries the
// connect nor reconnects on its own.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing host in %q", c.config.Broker)
		}
		return c.connectError(errors.CategoryConfiguration, fmt.Errorf("invalid broker URL: %w", err))
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return c.connectError(errors.CategoryMQTTConnection, fmt.Errorf("failed to resolve hostname %s: %w", host, err))
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.internalClient = mqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if err := waitToken(ctx, token, c.config.ConnectTimeout); err != nil {
		category := errors.CategoryMQTTConnection
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			category = errors.CategoryMQTTAuth
		}
		return c.connectError(category, fmt.Errorf("connection error: %w", err))
	}

	c.metrics.UpdateConnectionStatus(true)
	return nil
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.log.Debug("publishing", logger.String("topic", topic), logger.Int("bytes", len(payload)))

	timer := c.metrics.StartPublishTimer()
	defer timer.ObserveDuration()

	token := c.internalClient.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if err := waitToken(ctx, token, c.config.PublishTimeout); err != nil {
		c.metrics.IncrementErrors()
		return errors.New(fmt.Errorf("publish to %s failed: %w", topic, err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.metrics.ObserveMessageSize(len(payload))
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *client) isConnectedLocked() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		c.metrics.UpdateConnectionStatus(false)
	}
}

func (c *client) onConnect(mqtt.Client) {
	c.log.Debug("connected to MQTT broker", logger.String("broker", c.config.Broker))
}

func (c *client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.IncrementErrors()
}

func (c *client) connectError(category errors.ErrorCategory, err error) error {
	c.metrics.IncrementErrors()
	return errors.New(err).
		Component("mqtt").
		Category(category).
		Context("broker", c.config.Broker).
		Build()
}

// waitToken waits for token to complete, for at most timeout or until ctx
// is done.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConfig().PublishTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.Newf("timed out after %s", timeout).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}
}
