package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

func init() {
	logging.SetOutput(io.Discard)
}

func fakeInterfaces(ifaces ...net.Interface) func() ([]net.Interface, error) {
	return func() ([]net.Interface, error) { return ifaces, nil }
}

func withAddrs(names ...string) func(net.Interface) ([]net.Addr, error) {
	has := make(map[string]bool)
	for _, n := range names {
		has[n] = true
	}
	return func(ifc net.Interface) ([]net.Addr, error) {
		if !has[ifc.Name] {
			return nil, nil
		}
		return []net.Addr{&net.IPNet{IP: net.IPv4(192, 168, 1, 20), Mask: net.CIDRMask(24, 32)}}, nil
	}
}

func TestNetLinkSkipsLoopbackAndDown(t *testing.T) {
	l := &NetLink{
		interfaces: fakeInterfaces(
			net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			net.Interface{Name: "eth0", Flags: 0},
		),
		addrs: withAddrs("lo", "eth0"),
	}
	if l.IsAttached() {
		t.Fatal("loopback and down interfaces must not count as attached")
	}
	if err := l.Attach(context.Background()); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestNetLinkAttachedWithAddress(t *testing.T) {
	ifaces := fakeInterfaces(
		net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		net.Interface{Name: "wlan0", Flags: net.FlagUp},
	)

	noAddr := &NetLink{interfaces: ifaces, addrs: withAddrs()}
	if noAddr.IsAttached() {
		t.Fatal("an interface without an address is not attached")
	}

	l := &NetLink{interfaces: ifaces, addrs: withAddrs("wlan0")}
	if err := l.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !l.IsAttached() {
		t.Fatal("expected attached")
	}
}

func TestNetLinkNamedInterface(t *testing.T) {
	ifaces := fakeInterfaces(
		net.Interface{Name: "eth0", Flags: net.FlagUp},
		net.Interface{Name: "wlan0", Flags: 0},
	)
	l := &NetLink{Interface: "wlan0", interfaces: ifaces, addrs: withAddrs("eth0", "wlan0")}
	if l.IsAttached() {
		t.Fatal("named interface is down; other interfaces must not count")
	}
}

func TestNetLinkHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (&NetLink{}).Attach(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMQTTPublishWithoutSession(t *testing.T) {
	m := NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1", Link: StaticLink{}})
	if m.IsSessionAlive() {
		t.Fatal("no session has been opened")
	}
	if err := m.Publish("test", []byte("{}")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if !m.IsAttached() {
		t.Fatal("static link is always attached")
	}
	m.Close()
}

func TestMQTTOpenSessionFailsWithoutBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := NewMQTT(MQTTConfig{Broker: "tcp://" + addr, Link: StaticLink{}})
	if err := m.OpenSession(context.Background(), Credentials{ClientID: "gw-test"}); err == nil {
		t.Fatal("expected connect error with nothing listening")
	}
	if m.IsSessionAlive() {
		t.Fatal("failed connect must not leave a session")
	}
}

func TestLogTransportRecords(t *testing.T) {
	var l Log
	if !l.IsAttached() || !l.IsSessionAlive() {
		t.Fatal("log transport is always connected")
	}
	payload := []byte(`{"d_id":"A"}`)
	l.Publish("test", payload)
	payload[0] = 'X'

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "test" || string(msgs[0].Payload) != `{"d_id":"A"}` {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}
