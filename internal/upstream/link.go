package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/jasieqb/LoRa-mesh-thesis/internal/logging"
)

// NetLink treats a host network interface as the gateway's link. It is
// attached while the interface is up and has a unicast address. With an
// empty Interface any non-loopback interface qualifies.
type NetLink struct {
	Interface string

	// interfaces is swapped in tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func (l *NetLink) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, ok := l.find()
	if !ok {
		if l.Interface != "" {
			return fmt.Errorf("%w: interface %s down or unaddressed", ErrNotAttached, l.Interface)
		}
		return fmt.Errorf("%w: no usable interface", ErrNotAttached)
	}
	logging.Debugf("upstream: link up on %s", name)
	return nil
}

func (l *NetLink) IsAttached() bool {
	_, ok := l.find()
	return ok
}

func (l *NetLink) find() (string, bool) {
	list := net.Interfaces
	if l.interfaces != nil {
		list = l.interfaces
	}
	addrsOf := func(ifc net.Interface) ([]net.Addr, error) { return ifc.Addrs() }
	if l.addrs != nil {
		addrsOf = l.addrs
	}

	ifaces, err := list()
	if err != nil {
		return "", false
	}
	for _, ifc := range ifaces {
		if l.Interface != "" && ifc.Name != l.Interface {
			continue
		}
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if l.Interface == "" && ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := addrsOf(ifc)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return ifc.Name, true
	}
	return "", false
}

// StaticLink is always attached. Used when the broker is local.
type StaticLink struct{}

func (StaticLink) Attach(ctx context.Context) error { return ctx.Err() }
func (StaticLink) IsAttached() bool                 { return true }
