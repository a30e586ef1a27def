// Package upstream is the gateway's path off the mesh: a network link that
// must be attached, and a publish/subscribe session opened over it.
//
// The gateway drives both through Transport and never retries on its own
// behalf inside this package; reconnect policy belongs to the caller.
package upstream

import (
	"context"
	"errors"
)

var (
	ErrNotAttached = errors.New("upstream: link not attached")
	ErrNoSession   = errors.New("upstream: no session")
)

// Credentials identify the gateway to the broker.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// Transport abstracts the gateway's upstream connectivity.
type Transport interface {
	// Attach makes one attempt to bring the network link up.
	Attach(ctx context.Context) error

	// IsAttached reports whether the link is currently up.
	IsAttached() bool

	// OpenSession makes one attempt to open a broker session.
	OpenSession(ctx context.Context, creds Credentials) error

	// IsSessionAlive reports whether the session is still usable.
	IsSessionAlive() bool

	// Publish sends payload on topic over the open session.
	Publish(topic string, payload []byte) error

	// Service gives the client a chance to process keepalives and inbound
	// traffic. Called once per gateway tick.
	Service()
}

// Link is the network attachment half of a Transport.
type Link interface {
	Attach(ctx context.Context) error
	IsAttached() bool
}
