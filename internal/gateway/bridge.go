// Package gateway bridges the mesh onto an upstream broker.
//
// A gateway is a relay node with two extra state machines: the network link
// (Disconnected → Connecting → Attached) and the broker session over it
// (Disconnected → Connecting → Established). Both recover by retrying
// forever with a fixed backoff. The retry loops block the control loop;
// radio reception keeps landing in the engine's readiness cell meanwhile,
// and the context only exists so shutdown can interrupt them.
//
// Every accepted envelope is published once, as the bytes that came off the
// radio, on a fixed topic. With no session the message is dropped; there is
// no queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/relay"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/seen"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/upstream"
)

const (
	DefaultTopic   = "test"
	DefaultBackoff = 500 * time.Millisecond
)

var (
	ErrLinkLost      = errors.New("gateway: link lost")
	ErrSessionLost   = errors.New("gateway: session lost")
	ErrPublishFailed = errors.New("gateway: publish failed")
	ErrDuplicate     = errors.New("gateway: duplicate envelope")
)

// Config configures a Bridge.
type Config struct {
	Upstream    upstream.Transport
	Credentials upstream.Credentials
	Topic       string        // defaults to DefaultTopic
	Backoff     time.Duration // defaults to DefaultBackoff

	// Dedup publishes each d_id/m_id pair at most once per DedupWindow.
	// Off by default: every accepted copy is published.
	Dedup       bool
	DedupWindow time.Duration // defaults to seen.DefaultExpiry

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Bridge owns the link and session state machines and the publish path.
// Its methods are called from the gateway's control loop; the state getters
// and Decorate are safe from any goroutine.
type Bridge struct {
	cfg  Config
	up   upstream.Transport
	seen *seen.Cache

	link    atomic.Int32
	session atomic.Int32

	published atomic.Uint64
	failed    atomic.Uint64
	deduped   atomic.Uint64

	mu     sync.Mutex
	notice string
	render func()
}

func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("gateway: no upstream transport")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = seen.DefaultExpiry
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	b := &Bridge{cfg: cfg, up: cfg.Upstream}
	if cfg.Dedup {
		b.seen = seen.New(cfg.DedupWindow)
	}
	return b, nil
}

func (b *Bridge) LinkState() LinkState       { return LinkState(b.link.Load()) }
func (b *Bridge) SessionState() SessionState { return SessionState(b.session.Load()) }

func (b *Bridge) setLink(s LinkState)       { b.link.Store(int32(s)) }
func (b *Bridge) setSession(s SessionState) { b.session.Store(int32(s)) }

// Close releases the dedup cache, if any.
func (b *Bridge) Close() {
	if b.seen != nil {
		b.seen.Close()
	}
}

// ─── Connectivity ───────────────────────────────────────────────────────────

// EnsureConnected blocks until the link is attached and the session is
// established, retrying forever. It only fails when ctx ends.
func (b *Bridge) EnsureConnected(ctx context.Context) error {
	for {
		if err := b.ensureLink(ctx); err != nil {
			return err
		}
		err := b.ensureSession(ctx)
		if errors.Is(err, ErrLinkLost) {
			logging.Warnf("%v while opening session, re-attaching", err)
			continue
		}
		return err
	}
}

func (b *Bridge) ensureLink(ctx context.Context) error {
	if b.LinkState() == LinkAttached && b.up.IsAttached() {
		return nil
	}
	b.setLink(LinkDisconnected)
	b.setSession(SessionDisconnected)

	for attempt := 1; ; attempt++ {
		b.setLink(LinkConnecting)
		err := b.up.Attach(ctx)
		if err == nil && b.up.IsAttached() {
			b.setLink(LinkAttached)
			logging.Infof("gateway: link attached after %d attempt(s)", attempt)
			b.notify("")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			b.setLink(LinkDisconnected)
			return ctxErr
		}
		if err != nil {
			logging.Debugf("gateway: attach attempt %d: %v", attempt, err)
		}
		b.notify(fmt.Sprintf("link connecting, attempt %d", attempt))
		if err := b.cfg.Sleep(ctx, b.cfg.Backoff); err != nil {
			b.setLink(LinkDisconnected)
			return err
		}
	}
}

func (b *Bridge) ensureSession(ctx context.Context) error {
	if b.SessionState() == SessionEstablished && b.up.IsSessionAlive() {
		return nil
	}
	b.setSession(SessionDisconnected)

	for attempt := 1; ; attempt++ {
		if !b.up.IsAttached() {
			b.setLink(LinkDisconnected)
			b.setSession(SessionDisconnected)
			return ErrLinkLost
		}
		b.setSession(SessionConnecting)
		err := b.up.OpenSession(ctx, b.cfg.Credentials)
		if err == nil && b.up.IsSessionAlive() {
			b.setSession(SessionEstablished)
			logging.Infof("gateway: session established after %d attempt(s)", attempt)
			b.notify("")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			b.setSession(SessionDisconnected)
			return ctxErr
		}
		if err != nil {
			logging.Debugf("gateway: session attempt %d: %v", attempt, err)
		}
		b.notify(fmt.Sprintf("session connecting, attempt %d", attempt))
		if err := b.cfg.Sleep(ctx, b.cfg.Backoff); err != nil {
			b.setSession(SessionDisconnected)
			return err
		}
	}
}

// Reconcile services the upstream client, checks the link and then the
// session, and reconnects inline whatever was lost.
func (b *Bridge) Reconcile(ctx context.Context) error {
	b.up.Service()

	switch {
	case !b.up.IsAttached():
		if b.LinkState() == LinkAttached {
			logging.Warnf("%v", ErrLinkLost)
		}
		b.setLink(LinkDisconnected)
		b.setSession(SessionDisconnected)
	case !b.up.IsSessionAlive():
		if b.SessionState() == SessionEstablished {
			logging.Warnf("%v", ErrSessionLost)
		}
		b.setSession(SessionDisconnected)
	}
	return b.EnsureConnected(ctx)
}

// ─── Publishing ─────────────────────────────────────────────────────────────

// Forward publishes frame, the received bytes of env, on the bridge topic.
// Without an established session the frame is dropped with ErrPublishFailed.
func (b *Bridge) Forward(env protocol.Envelope, frame []byte) error {
	key := seen.Key(env.OriginID, env.MessageID)
	if b.seen != nil && b.seen.Has(key) {
		b.deduped.Add(1)
		return ErrDuplicate
	}
	if st := b.SessionState(); st != SessionEstablished {
		b.failed.Add(1)
		return fmt.Errorf("%w: session %s", ErrPublishFailed, st)
	}
	if err := b.up.Publish(b.cfg.Topic, frame); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	b.published.Add(1)
	if b.seen != nil {
		b.seen.Add(key)
	}
	logging.Debugf("gateway: published %s from %s on %s", env.MessageID, env.OriginID, b.cfg.Topic)
	return nil
}

// Decorate adds the gateway fields to a relay status snapshot.
func (b *Bridge) Decorate(s *relay.Status) {
	s.Link = b.LinkState().String()
	s.Session = b.SessionState().String()
	s.Published = b.published.Load()
	s.PublishFailed = b.failed.Load()
	b.mu.Lock()
	s.Notice = b.notice
	b.mu.Unlock()
}

func (b *Bridge) notify(msg string) {
	b.mu.Lock()
	b.notice = msg
	render := b.render
	b.mu.Unlock()
	if msg != "" {
		logging.Infof("gateway: %s", msg)
	}
	if render != nil {
		render()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
