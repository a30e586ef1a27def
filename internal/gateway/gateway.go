package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/relay"
)

// Gateway runs a relay engine whose accepted and originated envelopes are
// bridged upstream.
type Gateway struct {
	engine *relay.Engine
	bridge *Bridge
	tick   time.Duration
}

// New wires a relay engine to a bridge. Hooks already present in rc still
// run, before the bridge sees the envelope.
func New(rc relay.Config, bc Config) (*Gateway, error) {
	b, err := NewBridge(bc)
	if err != nil {
		return nil, err
	}
	g := &Gateway{bridge: b, tick: rc.TickEvery}
	if g.tick == 0 {
		g.tick = relay.DefaultTickEvery
	}

	rc.Role = relay.RoleGateway
	rc.OnAccept = g.chain(rc.OnAccept)
	rc.OnOriginate = g.chain(rc.OnOriginate)
	rc.StatusHook = b.Decorate

	e, err := relay.New(rc)
	if err != nil {
		b.Close()
		return nil, err
	}
	g.engine = e

	b.mu.Lock()
	b.render = e.Render
	b.mu.Unlock()
	return g, nil
}

func (g *Gateway) Engine() *relay.Engine { return g.engine }
func (g *Gateway) Bridge() *Bridge       { return g.bridge }

func (g *Gateway) chain(hook func(protocol.Envelope, []byte)) func(protocol.Envelope, []byte) {
	return func(env protocol.Envelope, frame []byte) {
		if hook != nil {
			hook(env, frame)
		}
		g.forward(env, frame)
	}
}

func (g *Gateway) forward(env protocol.Envelope, frame []byte) {
	err := g.bridge.Forward(env, frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		logging.Debugf("gateway: %s from %s already published", env.MessageID, env.OriginID)
	default:
		logging.Warnf("gateway: %s from %s dropped: %v", env.MessageID, env.OriginID, err)
	}
}

// Start connects upstream, blocking until connected, then starts the engine.
func (g *Gateway) Start(ctx context.Context, now time.Time) error {
	logging.Infof("gateway: connecting upstream")
	if err := g.bridge.EnsureConnected(ctx); err != nil {
		return err
	}
	return g.engine.Start(now)
}

// Step reconciles upstream connectivity and then runs one engine iteration.
func (g *Gateway) Step(ctx context.Context, now time.Time) error {
	if err := g.bridge.Reconcile(ctx); err != nil {
		return err
	}
	return g.engine.Poll(now)
}

// Run starts the gateway and steps it until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.bridge.Close()

	if err := g.Start(ctx, time.Now()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// A reconnect may have blocked for a while; use the time after it.
			if err := g.bridge.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := g.engine.Poll(time.Now()); err != nil {
				return err
			}
		}
	}
}
