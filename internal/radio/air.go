package radio

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

// ─── Air hub ────────────────────────────────────────────────────────────────

// AirPath is the websocket endpoint served by AirServer.
const AirPath = "/air"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// airFrame is the JSON message exchanged between the hub and its radios.
type airFrame struct {
	Data []byte `json:"data"`
	RSSI int    `json:"rssi"`
}

type airPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *airPeer) send(f airFrame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(f)
}

// AirServer is a shared radio channel for node processes on one host or
// LAN. Every frame a connected radio transmits is relayed to all other
// connected radios with a fixed synthetic RSSI. Everyone hears everyone.
type AirServer struct {
	rssi int

	mu       sync.Mutex
	peers    map[*airPeer]struct{}
	listener net.Listener
}

// NewAirServer creates a hub that stamps relayed frames with rssi
// (DefaultRSSI when zero).
func NewAirServer(rssi int) *AirServer {
	if rssi == 0 {
		rssi = DefaultRSSI
	}
	return &AirServer{
		rssi:  rssi,
		peers: make(map[*airPeer]struct{}),
	}
}

// Handler returns the HTTP handler serving AirPath.
func (s *AirServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(AirPath, s.handleWS)
	return mux
}

// Start listens on addr and serves in the background. Returns the bound
// address, useful when addr has port 0.
func (s *AirServer) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("radio: air listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		_ = http.Serve(listener, s.Handler())
	}()
	return listener.Addr().String(), nil
}

// Peers returns the number of connected radios.
func (s *AirServer) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close stops listening and drops every connected radio.
func (s *AirServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for p := range s.peers {
		p.conn.Close()
		delete(s.peers, p)
	}
	return err
}

func (s *AirServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &airPeer{conn: conn}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	logging.Infof("radio: air peer %s joined", conn.RemoteAddr())

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
		logging.Infof("radio: air peer %s left", conn.RemoteAddr())
	}()

	for {
		var f airFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if len(f.Data) > MaxFrameSize {
			logging.Warnf("radio: air peer %s sent %d-byte frame, dropped", conn.RemoteAddr(), len(f.Data))
			continue
		}
		s.relay(p, airFrame{Data: f.Data, RSSI: s.rssi})
	}
}

func (s *AirServer) relay(from *airPeer, f airFrame) {
	s.mu.Lock()
	targets := make([]*airPeer, 0, len(s.peers))
	for p := range s.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.send(f); err != nil {
			logging.Debugf("radio: air relay to %s: %v", p.conn.RemoteAddr(), err)
		}
	}
}

// ─── Air radio ──────────────────────────────────────────────────────────────

// AirRadio is a Radio whose channel is an AirServer.
type AirRadio struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu        sync.RWMutex
	fn        FrameFunc
	receiving bool
	closed    bool

	done chan struct{}
}

// DialAir connects to the hub at url, e.g. ws://127.0.0.1:7700/air.
func DialAir(ctx context.Context, url string) (*AirRadio, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("radio: dial air %s: %w", url, err)
	}
	r := &AirRadio{conn: conn, done: make(chan struct{})}
	go r.readLoop()
	return r, nil
}

func (r *AirRadio) OnFrame(fn FrameFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *AirRadio) BeginReceive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.receiving = true
	return nil
}

func (r *AirRadio) Transmit(frame []byte) error {
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

	r.wmu.Lock()
	defer r.wmu.Unlock()
	if err := r.conn.WriteJSON(airFrame{Data: frame}); err != nil {
		return fmt.Errorf("radio: air transmit: %w", err)
	}
	return nil
}

func (r *AirRadio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.receiving = false
	r.mu.Unlock()

	err := r.conn.Close()
	<-r.done
	return err
}

// Done is closed when the connection to the hub ends.
func (r *AirRadio) Done() <-chan struct{} { return r.done }

func (r *AirRadio) readLoop() {
	defer close(r.done)
	for {
		var f airFrame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.mu.RLock()
			closed := r.closed
			r.mu.RUnlock()
			if !closed {
				logging.Warnf("radio: air connection lost: %v", err)
			}
			return
		}
		r.mu.RLock()
		fn, listening := r.fn, r.receiving
		r.mu.RUnlock()
		if listening && fn != nil {
			fn(f.Data, f.RSSI)
		}
	}
}
