// Package connector consumes the envelopes a gateway publishes and stores
// their values as telemetry points.
//
// Gateways publish every copy they hear, so the same message usually arrives
// more than once. The connector keeps an index of processed message ids and
// writes each message's values only the first time it is seen within the
// expiry window.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/store"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/upstream"
)

const (
	DefaultTopic  = "test"
	DefaultExpiry = time.Hour

	DefaultConnectRetryInterval = 1 * time.Second
	DefaultMaxReconnectInterval = 120 * time.Second
)

var (
	ErrMissingValues = errors.New("connector: envelope has no values")
	ErrDuplicate     = errors.New("connector: message already processed")
)

// Deduper remembers which message ids were already stored.
type Deduper interface {
	Processed(id string, now time.Time) (bool, error)
	MarkProcessed(id string, now time.Time, ttl time.Duration) error
}

// Pruner is implemented by dedupers that need expired ids swept.
type Pruner interface {
	Prune(now time.Time) (int, error)
}

// Config configures a Connector.
type Config struct {
	Broker      string // e.g. tcp://mqtt:1883
	Topic       string // defaults to DefaultTopic
	Credentials upstream.Credentials

	Sink    store.Sink
	Dedup   Deduper       // defaults to an in-memory seen.Cache
	Expiry  time.Duration // processed window, defaults to DefaultExpiry
	Now     func() time.Time
	Options func(*mqtt.ClientOptions) // extra client options, applied last
}

// Stats counts what the connector did with incoming messages.
type Stats struct {
	Received  uint64
	Stored    uint64
	Points    uint64
	Duplicate uint64
	Invalid   uint64
	Failed    uint64
}

// Connector subscribes to the gateway topic and stores envelope values.
type Connector struct {
	cfg   Config
	owned *cacheDeduper // default dedup, closed by Close

	received  atomic.Uint64
	stored    atomic.Uint64
	points    atomic.Uint64
	duplicate atomic.Uint64
	invalid   atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config) (*Connector, error) {
	if cfg.Sink == nil {
		return nil, errors.New("connector: no sink")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Expiry < 0 {
		return nil, fmt.Errorf("connector: negative expiry %s", cfg.Expiry)
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Connector{cfg: cfg}
	if c.cfg.Dedup == nil {
		c.owned = newCacheDeduper(cfg.Expiry, cfg.Now)
		c.cfg.Dedup = c.owned
	}
	return c, nil
}

// Close stops the default dedup cache's reaper. A Dedup passed in Config is
// left alone.
func (c *Connector) Close() {
	if c.owned != nil {
		c.owned.cache.Close()
	}
}

func (c *Connector) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Stored:    c.stored.Load(),
		Points:    c.points.Load(),
		Duplicate: c.duplicate.Load(),
		Invalid:   c.invalid.Load(),
		Failed:    c.failed.Load(),
	}
}

// Handle processes one published payload. It returns ErrDuplicate for an id
// already processed within the window and a protocol.ErrInvalidEnvelope or
// ErrMissingValues error for payloads that are not storable envelopes.
func (c *Connector) Handle(ctx context.Context, payload []byte) error {
	c.received.Add(1)
	now := c.cfg.Now()

	env, err := protocol.Decode(payload)
	if err == nil && !protocol.HasValues(payload) {
		err = ErrMissingValues
	}
	if err != nil {
		c.invalid.Add(1)
		return err
	}

	done, err := c.cfg.Dedup.Processed(env.MessageID, now)
	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("connector: check %s: %w", env.MessageID, err)
	}
	if done {
		c.duplicate.Add(1)
		return ErrDuplicate
	}
	if err := c.cfg.Dedup.MarkProcessed(env.MessageID, now, c.cfg.Expiry); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("connector: mark %s: %w", env.MessageID, err)
	}

	pts := Points(env, now)
	if err := c.cfg.Sink.Save(ctx, pts); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("connector: save %s: %w", env.MessageID, err)
	}
	c.stored.Add(1)
	c.points.Add(uint64(len(pts)))
	return nil
}

// Points turns an envelope into one point per value, in key order.
func Points(env protocol.Envelope, now time.Time) []store.Point {
	keys := make([]string, 0, len(env.Values))
	for k := range env.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]store.Point, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.Point{
			Measurement: k,
			Device:      env.OriginID,
			MessageID:   env.MessageID,
			Value:       env.Values[k],
			Time:        now,
		})
	}
	return out
}

func (c *Connector) onMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		logging.Debugf("connector: received %s", payload)

		err := c.Handle(ctx, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicate):
			logging.Debugf("%v", err)
		case errors.Is(err, protocol.ErrInvalidEnvelope), errors.Is(err, ErrMissingValues):
			logging.Warnf("connector: skipping message on %s: %v", msg.Topic(), err)
		default:
			logging.Errorf("%v", err)
		}
	}
}

// Run connects to the broker, subscribes on every (re)connect and handles
// messages until ctx is done. Paho reconnects on its own, backing off from
// one second up to two minutes.
func (c *Connector) Run(ctx context.Context) error {
	defer c.Close()

	handler := c.onMessage(ctx)
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.Credentials.ClientID).
		SetUsername(c.cfg.Credentials.Username).
		SetPassword(c.cfg.Credentials.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(DefaultConnectRetryInterval).
		SetMaxReconnectInterval(DefaultMaxReconnectInterval).
		SetOnConnectHandler(func(client mqtt.Client) {
			logging.Infof("connector: connected to %s, subscribing to %s", c.cfg.Broker, c.cfg.Topic)
			tok := client.Subscribe(c.cfg.Topic, 0, handler)
			if tok.Wait() && tok.Error() != nil {
				logging.Errorf("connector: subscribe %s: %v", c.cfg.Topic, tok.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logging.Warnf("connector: connection lost: %v, reconnecting", err)
		})
	if c.cfg.Options != nil {
		c.cfg.Options(opts)
	}

	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected or the
	// client is disconnected.
	tok := client.Connect()
	connected := tok.Done()
	defer client.Disconnect(250)

	prune := time.NewTicker(c.cfg.Expiry)
	defer prune.Stop()
	pruner, _ := c.cfg.Dedup.(Pruner)

	for {
		select {
		case <-ctx.Done():
			logging.Infof("connector: stopping")
			return nil
		case <-connected:
			if err := tok.Error(); err != nil {
				return fmt.Errorf("connector: connect %s: %w", c.cfg.Broker, err)
			}
			connected = nil
		case <-prune.C:
			if pruner == nil {
				continue
			}
			if n, err := pruner.Prune(c.cfg.Now()); err != nil {
				logging.Warnf("connector: prune: %v", err)
			} else if n > 0 {
				logging.Debugf("connector: pruned %d processed id(s)", n)
			}
		}
	}
}
