package radio

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

type received struct {
	frame []byte
	rssi  int
}

func newTestAir(t *testing.T, n int) (*AirServer, []*AirRadio) {
	t.Helper()
	logging.SetOutput(io.Discard)

	srv := NewAirServer(-70)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + AirPath

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	radios := make([]*AirRadio, 0, n)
	for i := 0; i < n; i++ {
		r, err := DialAir(ctx, url)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { r.Close() })
		radios = append(radios, r)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Peers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("hub registered %d of %d radios", srv.Peers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, radios
}

func listen(t *testing.T, r *AirRadio) <-chan received {
	t.Helper()
	ch := make(chan received, 8)
	r.OnFrame(func(frame []byte, rssi int) {
		ch <- received{frame: frame, rssi: rssi}
	})
	if err := r.BeginReceive(); err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestAirRelaysToOtherRadios(t *testing.T) {
	_, rs := newTestAir(t, 3)
	self := listen(t, rs[0])
	b := listen(t, rs[1])
	c := listen(t, rs[2])

	if err := rs[0].Transmit([]byte(`{"d_id":"A"}`)); err != nil {
		t.Fatal(err)
	}

	for name, ch := range map[string]<-chan received{"b": b, "c": c} {
		select {
		case got := <-ch:
			if string(got.frame) != `{"d_id":"A"}` || got.rssi != -70 {
				t.Fatalf("%s got %q at %d", name, got.frame, got.rssi)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: timeout waiting for frame", name)
		}
	}

	select {
	case <-self:
		t.Fatal("sender must not hear its own frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAirTransmitStopsReception(t *testing.T) {
	_, rs := newTestAir(t, 2)
	a := listen(t, rs[0])
	listen(t, rs[1])

	rs[0].Transmit([]byte("ping"))
	rs[1].Transmit([]byte("pong"))

	select {
	case got := <-a:
		t.Fatalf("a should be deaf after transmitting, got %q", got.frame)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAirFrameLimitAndClose(t *testing.T) {
	_, rs := newTestAir(t, 1)
	if err := rs[0].Transmit(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := rs[0].Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rs[0].Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	if err := rs[0].Transmit([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
