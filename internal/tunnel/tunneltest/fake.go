// Package tunneltest provides in-memory sessions and session sources for
// tests of code built on package tunnel.
package tunneltest

import (
	"net"
	"sync"

	"github.com/matst80/portbroker/internal/tunnel"
)

// Session is a fake tunnel.Session that records Close calls.
type Session struct {
	id     string
	remote net.Addr

	mu      sync.Mutex
	attrs   map[string]any
	bound   []tunnel.Addr
	closed  int
	onClose func(*Session)
}

var _ tunnel.Session = (*Session)(nil)

func NewSession(id string) *Session {
	return &Session{
		id:     id,
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		attrs:  make(map[string]any),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) RemoteAddr() net.Addr { return s.remote }

func (s *Session) Attribute(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *Session) SetAttribute(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Bind records a listener on port as if the engine had bound it.
func (s *Session) Bind(port int) *Session {
	s.mu.Lock()
	s.bound = append(s.bound, tunnel.Addr{Host: "0.0.0.0", Port: port})
	s.mu.Unlock()
	return s
}

func (s *Session) BoundAddrs() []tunnel.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tunnel.Addr(nil), s.bound...)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.bound = nil
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	return nil
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Source is a fake tunnel.SessionSource. Closed sessions are dropped from it.
type Source struct {
	mu       sync.Mutex
	sessions []*Session
	Err      error
}

var _ tunnel.SessionSource = (*Source)(nil)

// Add registers sessions with the source.
func (src *Source) Add(ss ...*Session) {
	src.mu.Lock()
	defer src.mu.Unlock()
	for _, s := range ss {
		s.mu.Lock()
		s.onClose = src.remove
		s.mu.Unlock()
		src.sessions = append(src.sessions, s)
	}
}

func (src *Source) remove(s *Session) {
	src.mu.Lock()
	defer src.mu.Unlock()
	for i, cur := range src.sessions {
		if cur == s {
			src.sessions = append(src.sessions[:i], src.sessions[i+1:]...)
			return
		}
	}
}

func (src *Source) Sessions() ([]tunnel.Session, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.Err != nil {
		return nil, src.Err
	}
	out := make([]tunnel.Session, 0, len(src.sessions))
	for _, s := range src.sessions {
		out = append(out, s)
	}
	return out, nil
}
