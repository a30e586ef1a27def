package radio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Medium is an in-process radio channel. Radios hear each other only over
// explicit links, which makes multi-hop topologies easy to build.
type Medium struct {
	mu     sync.RWMutex
	radios map[string]*MemoryRadio
	links  map[string]map[string]int // from -> to -> rssi
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		radios: make(map[string]*MemoryRadio),
		links:  make(map[string]map[string]int),
	}
}

// Join attaches a new radio named name to the medium.
func (m *Medium) Join(name string) (*MemoryRadio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[name]; ok {
		return nil, fmt.Errorf("radio: %q already joined", name)
	}
	r := &MemoryRadio{name: name, medium: m}
	m.radios[name] = r
	m.links[name] = make(map[string]int)
	return r, nil
}

// Link makes a and b hear each other at DefaultRSSI.
func (m *Medium) Link(a, b string) error {
	return m.LinkRSSI(a, b, DefaultRSSI)
}

// LinkRSSI makes a and b hear each other at the given signal strength.
func (m *Medium) LinkRSSI(a, b string, rssi int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[a]; !ok {
		return fmt.Errorf("radio: no radio %q", a)
	}
	if _, ok := m.radios[b]; !ok {
		return fmt.Errorf("radio: no radio %q", b)
	}
	m.links[a][b] = rssi
	m.links[b][a] = rssi
	return nil
}

// Unlink removes the link between a and b, if any.
func (m *Medium) Unlink(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[a], b)
	delete(m.links[b], a)
}

// Line joins names in order and links each to its neighbour:
// names[0] <-> names[1] <-> ... <-> names[n-1].
func (m *Medium) Line(names ...string) ([]*MemoryRadio, error) {
	radios := make([]*MemoryRadio, 0, len(names))
	for _, n := range names {
		r, err := m.Join(n)
		if err != nil {
			return nil, err
		}
		radios = append(radios, r)
	}
	for i := 1; i < len(names); i++ {
		if err := m.Link(names[i-1], names[i]); err != nil {
			return nil, err
		}
	}
	return radios, nil
}

type delivery struct {
	to   *MemoryRadio
	rssi int
}

func (m *Medium) broadcast(from string, frame []byte) {
	m.mu.RLock()
	targets := make([]delivery, 0, len(m.links[from]))
	for name, rssi := range m.links[from] {
		targets = append(targets, delivery{to: m.radios[name], rssi: rssi})
	}
	m.mu.RUnlock()

	for _, d := range targets {
		d.to.deliver(frame, d.rssi)
	}
}

func (m *Medium) leave(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer := range m.links[name] {
		delete(m.links[peer], name)
	}
	delete(m.links, name)
	delete(m.radios, name)
}

// MemoryRadio is a Radio attached to a Medium. Delivery to neighbours is
// synchronous: by the time Transmit returns, every listening neighbour's
// callback has run.
type MemoryRadio struct {
	name   string
	medium *Medium

	mu        sync.RWMutex
	fn        FrameFunc
	receiving bool
	closed    bool

	sent atomic.Int64
	lost atomic.Int64 // frames that arrived while not listening
}

func (r *MemoryRadio) Name() string { return r.name }

func (r *MemoryRadio) OnFrame(fn FrameFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *MemoryRadio) BeginReceive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.receiving = true
	return nil
}

func (r *MemoryRadio) Transmit(frame []byte) error {
	if err := checkFrame(frame); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.receiving = false
	r.mu.Unlock()

	r.sent.Add(1)
	r.medium.broadcast(r.name, copyFrame(frame))
	return nil
}

func (r *MemoryRadio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.receiving = false
	r.mu.Unlock()
	r.medium.leave(r.name)
	return nil
}

// Receiving reports whether the radio is currently listening.
func (r *MemoryRadio) Receiving() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.receiving
}

// Sent returns the number of frames transmitted.
func (r *MemoryRadio) Sent() int64 { return r.sent.Load() }

// Lost returns the number of frames that reached this radio while it was
// not listening.
func (r *MemoryRadio) Lost() int64 { return r.lost.Load() }

func (r *MemoryRadio) deliver(frame []byte, rssi int) {
	r.mu.RLock()
	fn, listening := r.fn, r.receiving && !r.closed
	r.mu.RUnlock()
	if !listening || fn == nil {
		r.lost.Add(1)
		return
	}
	fn(copyFrame(frame), rssi)
}
