// Package mqtt manages the broker connection: connect, subscribe, publish
// and bounded reconnection after the connection is lost.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Client is the subset of paho.Client the manager uses
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// ClientFactory builds a client from options. Tests replace it with a fake.
type ClientFactory func(opts *paho.ClientOptions) Client

// PahoFactory creates real paho clients
func PahoFactory(opts *paho.ClientOptions) Client {
	return paho.NewClient(opts)
}

// clientOptions builds paho options for one connection attempt.
// Auto-reconnect is off: the manager owns recovery.
func (m *Manager) clientOptions(clientID string, onLost paho.ConnectionLostHandler) *paho.ClientOptions {
	cfg := m.cfg

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Configure TLS if enabled
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		})
	}

	opts.SetConnectionLostHandler(onLost)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	// Keep alive settings
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(cfg.CleanSession)
	opts.SetOrderMatters(false)

	return opts
}

// waitToken waits for tok to complete, for timeout to pass or for ctx to end
func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
