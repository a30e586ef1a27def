// Package radio defines the half-duplex radio contract the relay engine
// drives, and provides two implementations: an in-process Medium for tests
// and simulation, and a websocket "air" shared between processes.
//
// A radio stops listening when it transmits. The caller re-arms reception
// with BeginReceive. Received frames are handed to the OnFrame callback on
// the radio's own goroutine; the callback must return quickly.
package radio

import "errors"

// MaxFrameSize is the LoRa payload limit.
const MaxFrameSize = 255

// DefaultRSSI is reported for frames on links without an explicit level.
const DefaultRSSI = -60

var (
	ErrFrameTooLarge = errors.New("radio: frame exceeds 255 bytes")
	ErrClosed        = errors.New("radio: closed")
)

// FrameFunc receives a frame and the signal strength it arrived with.
type FrameFunc func(frame []byte, rssi int)

// Radio abstracts the transceiver.
// The relay engine uses this interface exclusively so that tests can inject
// an in-memory radio without real hardware.
type Radio interface {
	// Transmit sends frame in a single blocking call. The radio is not
	// listening afterwards.
	Transmit(frame []byte) error

	// BeginReceive arms continuous reception.
	BeginReceive() error

	// OnFrame registers the reception callback. Must be called before
	// BeginReceive.
	OnFrame(fn FrameFunc)

	// Close releases the radio. Later calls return ErrClosed.
	Close() error
}

func checkFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return nil
}

func copyFrame(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}
