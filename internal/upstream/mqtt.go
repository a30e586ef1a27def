package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

const (
	DefaultKeepAlive      = 15 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// MQTTConfig configures an MQTT transport.
type MQTTConfig struct {
	Broker         string        // e.g. tcp://192.168.1.10:1883
	Link           Link          // defaults to &NetLink{}
	KeepAlive      time.Duration // defaults to DefaultKeepAlive
	ConnectTimeout time.Duration // defaults to DefaultConnectTimeout
	PublishTimeout time.Duration // defaults to DefaultPublishTimeout
}

// MQTT is a Transport over an MQTT broker. Paho's own reconnect logic is
// disabled: session loss is surfaced through IsSessionAlive and the
// gateway's state machine decides when to reconnect.
type MQTT struct {
	cfg MQTTConfig

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.Link == nil {
		cfg.Link = &NetLink{}
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &MQTT{cfg: cfg}
}

func (m *MQTT) Attach(ctx context.Context) error { return m.cfg.Link.Attach(ctx) }

func (m *MQTT) IsAttached() bool { return m.cfg.Link.IsAttached() }

func (m *MQTT) OpenSession(ctx context.Context, creds Credentials) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetKeepAlive(m.cfg.KeepAlive).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logging.Warnf("upstream: mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("upstream: mqtt connect %s: %w", m.cfg.Broker, err)
	}

	m.mu.Lock()
	old := m.client
	m.client = client
	m.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}
	logging.Infof("upstream: mqtt session open to %s as %s", m.cfg.Broker, creds.ClientID)
	return nil
}

func (m *MQTT) IsSessionAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnectionOpen()
}

func (m *MQTT) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNoSession
	}

	tok := client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("upstream: publish to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("upstream: publish to %s: %w", topic, err)
	}
	return nil
}

// Service is a no-op: paho handles keepalives on its own goroutines.
func (m *MQTT) Service() {}

// Close ends the session, if any.
func (m *MQTT) Close() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesceMs)
	}
}
