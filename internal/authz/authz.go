// Package authz holds the admission policy the transport engine consults
// while a session negotiates: the authentication gate and the forwarding
// authorizer.
//
// Both run synchronously on the engine's connection goroutine and only
// perform map lookups and one bounded scan of live sessions.
package authz

import (
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/tunnel"
)

// TokenAttr is the session attribute holding the authenticated token.
const TokenAttr = "portbroker.token"

// Leases is the registry view the policy needs.
type Leases interface {
	Lookup(token string) (int, bool)
	Claim(token string, port int) bool
}

// Holders locates the live session bound to a port.
type Holders interface {
	Find(port int) (tunnel.Session, error)
}

// TokenOf returns the token attached to s by the gate.
func TokenOf(s tunnel.Session) (string, bool) {
	v, ok := s.Attribute(TokenAttr)
	if !ok {
		return "", false
	}
	tok, ok := v.(string)
	return tok, ok && tok != ""
}

// Gate admits sessions whose claimed identity is a registered token. The
// token is a bearer identity, not a secret proof.
type Gate struct {
	leases Leases
}

var _ tunnel.Authenticator = (*Gate)(nil)

func NewGate(leases Leases) *Gate {
	return &Gate{leases: leases}
}

// Authenticate closes s and rejects it when user holds no lease; otherwise
// it attaches user as the session's token.
func (g *Gate) Authenticate(s tunnel.Session, user string) bool {
	if _, ok := g.leases.Lookup(user); !ok {
		obs.Info("auth.rejected", obs.Fields{"remote": s.RemoteAddr().String(), "session": s.ID()})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		_ = s.Close()
		return false
	}
	s.SetAttribute(TokenAttr, user)
	obs.Debug("auth.accepted", obs.Fields{"token": user, "session": s.ID()})
	return true
}

// Authorizer enforces one live binder per leased port. When two sessions
// claim the same port the most recently authorized one wins and the earlier
// holder is closed.
type Authorizer struct {
	leases  Leases
	holders Holders
}

var _ tunnel.Authorizer = (*Authorizer)(nil)

func NewAuthorizer(leases Leases, holders Holders) *Authorizer {
	return &Authorizer{leases: leases, holders: holders}
}

// CanListen grants a reverse listener only on the port leased to the
// session's token. Any other request closes the session, as does a failure
// to locate the port's current holder.
func (a *Authorizer) CanListen(s tunnel.Session, addr tunnel.Addr) bool {
	token, ok := TokenOf(s)
	if !ok {
		a.deny(s, addr, "no_token")
		return false
	}
	port, ok := a.leases.Lookup(token)
	if !ok || port != addr.Port {
		a.deny(s, addr, "port_mismatch")
		return false
	}

	if !a.leases.Claim(token, port) {
		a.deny(s, addr, "lease_gone")
		return false
	}

	prev, err := a.holders.Find(port)
	if err != nil {
		obs.Warn("listen.locate", obs.Fields{"port": port, "err": err.Error()})
		a.deny(s, addr, "locate_failed")
		return false
	}
	if prev != nil && prev.ID() != s.ID() {
		obs.Info("listen.preempt", obs.Fields{"port": port, "token": token, "closed": prev.ID(), "by": s.ID()})
		obs.PreemptionsTotal.Inc()
		_ = prev.Close()
	}
	obs.Debug("listen.granted", obs.Fields{"port": port, "token": token, "session": s.ID()})
	return true
}

func (a *Authorizer) deny(s tunnel.Session, addr tunnel.Addr, why string) {
	obs.Info("listen.denied", obs.Fields{"addr": addr.String(), "session": s.ID(), "reason": why})
	obs.ErrorsTotal.WithLabelValues("listen_denied").Inc()
	_ = s.Close()
}

func (a *Authorizer) CanForwardX11(tunnel.Session) bool { return false }

func (a *Authorizer) CanForwardAgent(tunnel.Session) bool { return true }

func (a *Authorizer) CanConnect(tunnel.Session, tunnel.Addr) bool { return true }
