// Package locator answers which live session currently holds a port.
//
// Every query enumerates the engine's sessions afresh; nothing is cached.
package locator

import (
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/tunnel"
)

type Locator struct {
	src tunnel.SessionSource
}

func New(src tunnel.SessionSource) *Locator {
	return &Locator{src: src}
}

// Find returns the first live session with a listener bound on port, or nil.
func (l *Locator) Find(port int) (tunnel.Session, error) {
	sessions, err := l.src.Sessions()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		for _, a := range s.BoundAddrs() {
			if a.Port == port {
				return s, nil
			}
		}
	}
	return nil, nil
}

// Ports returns the set of ports with a live binder, from one enumeration.
func (l *Locator) Ports() (map[int]tunnel.Session, error) {
	sessions, err := l.src.Sessions()
	if err != nil {
		return nil, err
	}
	out := make(map[int]tunnel.Session)
	for _, s := range sessions {
		for _, a := range s.BoundAddrs() {
			if _, dup := out[a.Port]; !dup {
				out[a.Port] = s
			}
		}
	}
	return out, nil
}

// CloseBinder force-closes the session bound to port, if any.
func (l *Locator) CloseBinder(port int) bool {
	s, err := l.Find(port)
	if err != nil {
		obs.Warn("locator.close_binder", obs.Fields{"port": port, "err": err.Error()})
		return false
	}
	if s == nil {
		return false
	}
	if err := s.Close(); err != nil {
		obs.Debug("locator.close_binder.close", obs.Fields{"port": port, "session": s.ID(), "err": err.Error()})
	}
	return true
}
