// Package tunnel declares the contract between the broker core and the
// transport engine that carries reverse tunnels.
//
// The engine (internal/sshd) owns sessions and calls an Authenticator and an
// Authorizer during negotiation. The core packages only see the interfaces
// below.
package tunnel

import (
	"errors"
	"net"
	"strconv"
)

// ErrEngineClosed is returned by a SessionSource that can no longer
// enumerate sessions.
var ErrEngineClosed = errors.New("tunnel: engine closed")

// Addr is a listener address as requested by a client: host plus port.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// Session is one live transport connection.
type Session interface {
	ID() string
	RemoteAddr() net.Addr
	// Attribute and SetAttribute form a per-session store that lives as long
	// as the session.
	Attribute(key string) (any, bool)
	SetAttribute(key string, value any)
	// BoundAddrs lists the reverse listeners currently bound by the session.
	BoundAddrs() []Addr
	// Close terminates the session immediately, listeners first.
	Close() error
}

// SessionSource enumerates live sessions.
type SessionSource interface {
	Sessions() ([]Session, error)
}

// Authenticator decides whether a connection claiming user may proceed.
// Implementations may close the session when rejecting.
type Authenticator interface {
	Authenticate(s Session, user string) bool
}

// Authorizer decides each forwarding capability requested on a session.
type Authorizer interface {
	CanListen(s Session, addr Addr) bool
	CanForwardX11(s Session) bool
	CanForwardAgent(s Session) bool
	CanConnect(s Session, addr Addr) bool
}
