package relay

import (
	"sync"
	"sync/atomic"
)

// Role is what a node does besides relaying.
type Role string

const (
	RoleNode    Role = "node"
	RoleGateway Role = "gateway"
)

// Counters are cumulative since the engine was created.
type Counters struct {
	Originated     uint64
	Received       uint64
	Relayed        uint64
	Invalid        uint64
	SelfLoop       uint64
	TTLExhausted   uint64
	Superseded     uint64
	Overruns       uint64
	TransmitFailed uint64
}

// Dropped sums every discard reason.
func (c Counters) Dropped() uint64 {
	return c.Invalid + c.SelfLoop + c.TTLExhausted
}

// Status is the snapshot handed to the presentation collaborator.
// The gateway fields stay empty on plain nodes.
type Status struct {
	ID      string
	Role    Role
	Halted  bool
	Pending bool

	RSSI      int
	FrameSize int
	Frame     string

	Counters Counters

	Link          string
	Session       string
	Published     uint64
	PublishFailed uint64
	Notice        string
}

// stats is safe for concurrent use so Status may be read from any goroutine.
type stats struct {
	originated     atomic.Uint64
	received       atomic.Uint64
	relayed        atomic.Uint64
	invalid        atomic.Uint64
	selfLoop       atomic.Uint64
	ttlExhausted   atomic.Uint64
	superseded     atomic.Uint64
	transmitFailed atomic.Uint64

	mu        sync.Mutex
	rssi      int
	frameSize int
	frame     string
	pending   bool
}

func (s *stats) lastFrame(frame []byte, rssi int) {
	s.mu.Lock()
	s.rssi = rssi
	s.frameSize = len(frame)
	s.frame = string(frame)
	s.mu.Unlock()
}

func (s *stats) setPending(p bool) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

func (s *stats) snapshot(overruns uint64) (Counters, int, int, string, bool) {
	s.mu.Lock()
	rssi, size, frame, pending := s.rssi, s.frameSize, s.frame, s.pending
	s.mu.Unlock()
	return Counters{
		Originated:     s.originated.Load(),
		Received:       s.received.Load(),
		Relayed:        s.relayed.Load(),
		Invalid:        s.invalid.Load(),
		SelfLoop:       s.selfLoop.Load(),
		TTLExhausted:   s.ttlExhausted.Load(),
		Superseded:     s.superseded.Load(),
		Overruns:       overruns,
		TransmitFailed: s.transmitFailed.Load(),
	}, rssi, size, frame, pending
}
