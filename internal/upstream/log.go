package upstream

import (
	"context"
	"sync"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

// Message is one publish recorded by Log.
type Message struct {
	Topic   string
	Payload []byte
}

// Log is a Transport with no network behind it: always attached, session
// always open, every publish logged and kept. Used by simulations.
type Log struct {
	mu       sync.Mutex
	messages []Message
}

func (l *Log) Attach(ctx context.Context) error                    { return ctx.Err() }
func (l *Log) IsAttached() bool                                    { return true }
func (l *Log) OpenSession(ctx context.Context, _ Credentials) error { return ctx.Err() }
func (l *Log) IsSessionAlive() bool                                { return true }
func (l *Log) Service()                                            {}

func (l *Log) Publish(topic string, payload []byte) error {
	l.mu.Lock()
	l.messages = append(l.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	l.mu.Unlock()
	logging.Infof("upstream: publish %s %s", topic, payload)
	return nil
}

// Messages returns a copy of everything published so far.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}
