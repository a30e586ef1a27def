// Package relay implements the flood-relay engine every mesh node runs.
//
// Design:
//   - One control loop polls elapsed time against three timers (origination,
//     display refresh, resend fire) and consumes at most one received frame
//     per iteration.
//   - The radio hands frames over on its own goroutine through a single-slot
//     readiness cell. The callback never touches engine state.
//   - A received envelope from another node is relayed once with its hop
//     budget decremented, after a short fixed delay. Only one relay can be
//     pending; a newer one replaces it.
//   - There is no duplicate detection on the relay path. The hop budget is
//     what ends a flood.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/identity"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/protocol"
	"github.com/jasieqb/LoRa-mesh-thesis/internal/radio"
)

const (
	DefaultOriginateEvery = 5 * time.Minute
	DefaultResendDelay    = 100 * time.Millisecond
	DefaultRefreshEvery   = 100 * time.Millisecond
	DefaultTickEvery      = 10 * time.Millisecond
)

var (
	ErrSelfLoop     = errors.New("relay: envelope originated here")
	ErrTTLExhausted = errors.New("relay: hop budget exhausted")
	ErrHalted       = errors.New("relay: halted")
	errNotStarted   = errors.New("relay: not started")
)

// Display renders status snapshots.
type Display interface {
	Render(Status)
}

// Config configures an Engine.
type Config struct {
	ID    string
	Role  Role
	Radio radio.Radio

	MaxTTL         uint32        // defaults to protocol.DefaultMaxTTL
	OriginateEvery time.Duration // defaults to DefaultOriginateEvery
	ResendDelay    time.Duration // defaults to DefaultResendDelay
	RefreshEvery   time.Duration // defaults to DefaultRefreshEvery
	TickEvery      time.Duration // Run's polling interval; defaults to DefaultTickEvery

	Sampler  Sampler       // defaults to RandomSampler
	NewToken func() string // defaults to identity.NewToken
	Display  Display       // optional

	// OnAccept runs for every decoded envelope that did not originate
	// here, before the hop budget is checked. frame is the received bytes.
	OnAccept func(env protocol.Envelope, frame []byte)

	// OnOriginate runs for every envelope this node originates.
	OnOriginate func(env protocol.Envelope, frame []byte)

	// StatusHook may add role-specific fields to each snapshot.
	StatusHook func(*Status)
}

type pendingResend struct {
	frame []byte
	due   time.Time
}

// Engine is the relay protocol engine. Start, Poll, Originate and Receive
// must be called from a single goroutine; Status is safe from any.
type Engine struct {
	cfg    Config
	cell   cell
	stats  stats
	halted atomic.Bool

	// loop-owned
	pending       *pendingResend
	nextOriginate time.Time
	nextRefresh   time.Time
	started       bool
}

// New creates an Engine. It does not touch the radio until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.ID == "" {
		return nil, errors.New("relay: empty node id")
	}
	if cfg.Radio == nil {
		return nil, errors.New("relay: no radio")
	}
	if cfg.Role == "" {
		cfg.Role = RoleNode
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = protocol.DefaultMaxTTL
	}
	if cfg.OriginateEvery == 0 {
		cfg.OriginateEvery = DefaultOriginateEvery
	}
	if cfg.ResendDelay == 0 {
		cfg.ResendDelay = DefaultResendDelay
	}
	if cfg.RefreshEvery == 0 {
		cfg.RefreshEvery = DefaultRefreshEvery
	}
	if cfg.TickEvery == 0 {
		cfg.TickEvery = DefaultTickEvery
	}
	if cfg.Sampler == nil {
		cfg.Sampler = RandomSampler{}
	}
	if cfg.NewToken == nil {
		cfg.NewToken = identity.NewToken
	}
	return &Engine{cfg: cfg}, nil
}

// ID returns the node id stamped into originations.
func (e *Engine) ID() string { return e.cfg.ID }

// Start arms the radio and originates once. If the radio cannot be armed
// the engine halts for good.
func (e *Engine) Start(now time.Time) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if e.started {
		return nil
	}
	e.cfg.Radio.OnFrame(func(frame []byte, rssi int) {
		if !e.cell.put(frame, rssi) {
			logging.Debugf("relay: overrun, dropped %d-byte frame", len(frame))
		}
	})
	if err := e.cfg.Radio.BeginReceive(); err != nil {
		e.halted.Store(true)
		logging.Errorf("relay: radio init failed: %v", err)
		return fmt.Errorf("%w: arm radio: %w", ErrHalted, err)
	}
	e.started = true
	logging.Infof("relay: %s started as %s, ttl %d, originate every %s", e.cfg.ID, e.cfg.Role, e.cfg.MaxTTL, e.cfg.OriginateEvery)

	if err := e.Originate(now); err != nil {
		logging.Warnf("relay: initial origination: %v", err)
	}
	e.nextOriginate = now.Add(e.cfg.OriginateEvery)
	e.nextRefresh = now
	return nil
}

// Poll runs one loop iteration at now.
func (e *Engine) Poll(now time.Time) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if !e.started {
		return errNotStarted
	}

	if !now.Before(e.nextOriginate) {
		e.nextOriginate = now.Add(e.cfg.OriginateEvery)
		if err := e.Originate(now); err != nil {
			logging.Warnf("relay: origination: %v", err)
		}
	}

	if !now.Before(e.nextRefresh) {
		e.nextRefresh = now.Add(e.cfg.RefreshEvery)
		e.Render()
	}

	if e.pending != nil && !now.Before(e.pending.due) {
		e.fire()
	}

	if frame, rssi, ok := e.cell.take(); ok {
		err := e.Receive(now, frame, rssi)
		e.cell.release()
		if err != nil && !errors.Is(err, ErrHalted) {
			logging.Debugf("relay: discard: %v", err)
		}
	}
	return nil
}

// Run starts the engine and polls it until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(time.Now()); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := e.Poll(now); err != nil {
				return err
			}
		}
	}
}

// ─── Origination ────────────────────────────────────────────────────────────

// Originate emits a fresh envelope carrying this node's id and a full hop
// budget, then re-arms reception.
func (e *Engine) Originate(now time.Time) error {
	if e.halted.Load() {
		return ErrHalted
	}
	env := protocol.Envelope{
		OriginID:  e.cfg.ID,
		MessageID: e.cfg.NewToken(),
		TTL:       e.cfg.MaxTTL,
		Values:    e.cfg.Sampler.Sample(),
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("relay: originate: %w", err)
	}

	e.stats.originated.Add(1)
	if e.cfg.OnOriginate != nil {
		e.cfg.OnOriginate(env, frame)
	}

	txErr := e.cfg.Radio.Transmit(frame)
	if txErr != nil {
		e.stats.transmitFailed.Add(1)
	}
	if err := e.cfg.Radio.BeginReceive(); err != nil {
		logging.Warnf("relay: re-arm after origination: %v", err)
	}
	if txErr != nil {
		return fmt.Errorf("relay: transmit origination: %w", txErr)
	}
	logging.Infof("relay: originated %s (%d bytes)", env.MessageID, len(frame))
	return nil
}

// ─── Reception ──────────────────────────────────────────────────────────────

// Receive processes one frame heard at now. A nil error means the frame
// was accepted and a relay is pending. Otherwise the error names the
// discard reason.
func (e *Engine) Receive(now time.Time, frame []byte, rssi int) error {
	if e.halted.Load() {
		return ErrHalted
	}
	e.stats.received.Add(1)
	e.stats.lastFrame(frame, rssi)

	env, err := protocol.Decode(frame)
	if err != nil {
		e.stats.invalid.Add(1)
		return err
	}
	if env.OriginID == e.cfg.ID {
		e.stats.selfLoop.Add(1)
		return ErrSelfLoop
	}

	if e.cfg.OnAccept != nil {
		e.cfg.OnAccept(env, frame)
	}

	next, ok := env.Relayed()
	if !ok {
		e.stats.ttlExhausted.Add(1)
		return fmt.Errorf("%w: %s from %s", ErrTTLExhausted, env.MessageID, env.OriginID)
	}
	wire, err := protocol.Encode(next)
	if err != nil {
		e.stats.invalid.Add(1)
		return fmt.Errorf("relay: re-encode: %w", err)
	}

	if e.pending != nil {
		e.stats.superseded.Add(1)
		logging.Warnf("relay: pending relay superseded by %s from %s", next.MessageID, next.OriginID)
	}
	e.pending = &pendingResend{frame: wire, due: now.Add(e.cfg.ResendDelay)}
	e.stats.setPending(true)
	logging.Debugf("relay: %s from %s queued, ttl %d", next.MessageID, next.OriginID, next.TTL)
	return nil
}

func (e *Engine) fire() {
	p := e.pending
	e.pending = nil
	e.stats.setPending(false)

	if err := e.cfg.Radio.Transmit(p.frame); err != nil {
		e.stats.transmitFailed.Add(1)
		logging.Warnf("relay: resend: %v", err)
	} else {
		e.stats.relayed.Add(1)
	}
	if err := e.cfg.Radio.BeginReceive(); err != nil {
		logging.Warnf("relay: re-arm after resend: %v", err)
	}
}

// ─── Status ─────────────────────────────────────────────────────────────────

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	c, rssi, size, frame, pending := e.stats.snapshot(e.cell.overruns.Load())
	s := Status{
		ID:        e.cfg.ID,
		Role:      e.cfg.Role,
		Halted:    e.halted.Load(),
		Pending:   pending,
		RSSI:      rssi,
		FrameSize: size,
		Frame:     frame,
		Counters:  c,
	}
	if e.cfg.StatusHook != nil {
		e.cfg.StatusHook(&s)
	}
	return s
}

// Render hands the current snapshot to the display, if any.
func (e *Engine) Render() {
	if e.cfg.Display != nil {
		e.cfg.Display.Render(e.Status())
	}
}
