// Package mqtt provides an abstraction for MQTT client functionality.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-sync/internal/conf"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic. It returns an error if the publish
	// does not complete before ctx or the publish timeout expires.
	Publish(ctx context.Context, topic string, payload []byte) error

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	Retain            bool // true to retain messages at the broker
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		QoS:               1,
		ConnectTimeout:    10 * time.Second,
		PublishTimeout:    5 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings builds a client config from the mqtt settings section.
// clientSuffix keeps concurrent runs for different stations from kicking
// each other off the broker.
func ConfigFromSettings(s *conf.MQTTSettings, clientSuffix string) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.QoS = s.QoS
	cfg.Retain = s.Retain
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.ConnectTimeout
	}
	if s.PublishTimeout > 0 {
		cfg.PublishTimeout = s.PublishTimeout
	}
	cfg.ClientID = s.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "birdnet-sync"
	}
	if clientSuffix != "" {
		cfg.ClientID += "-" + clientSuffix
	}
	return cfg
}
