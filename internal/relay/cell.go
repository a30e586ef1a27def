package relay

import "sync/atomic"

const (
	cellEmpty int32 = iota
	cellWriting
	cellReady
)

// cell is the single-slot handoff between the radio callback and the loop.
// The producer claims the slot with a CAS, fills it and publishes it; the
// loop reads the frame and releases the slot only after it has fully
// consumed it. While the slot is claimed, further frames are overruns.
type cell struct {
	state    atomic.Int32
	frame    []byte
	rssi     int
	overruns atomic.Uint64
}

// put is called from the radio goroutine.
func (c *cell) put(frame []byte, rssi int) bool {
	if !c.state.CompareAndSwap(cellEmpty, cellWriting) {
		c.overruns.Add(1)
		return false
	}
	c.frame = frame
	c.rssi = rssi
	c.state.Store(cellReady)
	return true
}

// take returns the published frame without releasing the slot.
func (c *cell) take() ([]byte, int, bool) {
	if c.state.Load() != cellReady {
		return nil, 0, false
	}
	return c.frame, c.rssi, true
}

func (c *cell) release() {
	c.frame = nil
	c.rssi = 0
	c.state.Store(cellEmpty)
}
