package gateway

// LinkState tracks the network link underneath the broker session.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkAttached
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkAttached:
		return "attached"
	default:
		return "disconnected"
	}
}

// SessionState tracks the broker session.
type SessionState int32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionEstablished
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	default:
		return "disconnected"
	}
}
