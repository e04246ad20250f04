package sshd

import (
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/tunnel"
)

// Session is one authenticated SSH connection.
type Session struct {
	id      string
	srv     *Server
	conn    net.Conn
	sshConn *ssh.ServerConn
	started time.Time

	mu        sync.Mutex
	attrs     map[string]any
	listeners map[tunnel.Addr]net.Listener
	closed    bool
}

var _ tunnel.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Started reports when the connection was accepted.
func (s *Session) Started() time.Time { return s.started }

func (s *Session) Attribute(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *Session) SetAttribute(key string, v any) {
	s.mu.Lock()
	s.attrs[key] = v
	s.mu.Unlock()
}

// BoundAddrs returns the addresses of the session's open reverse listeners,
// ordered by port.
func (s *Session) BoundAddrs() []tunnel.Addr {
	s.mu.Lock()
	out := make([]tunnel.Addr, 0, len(s.listeners))
	for a := range s.listeners {
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close shuts the session's reverse listeners and then the connection. The
// listeners are closed before Close returns so the ports can be rebound
// immediately.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lns := s.listeners
	s.listeners = map[tunnel.Addr]net.Listener{}
	s.mu.Unlock()

	for a, ln := range lns {
		if err := ln.Close(); err != nil {
			obs.Debug("forward.close", obs.Fields{"session": s.id, "addr": a.String(), "err": err.Error()})
		}
	}
	if s.sshConn != nil {
		return s.sshConn.Close()
	}
	return s.conn.Close()
}

func (s *Session) addListener(a tunnel.Addr, ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.listeners[a]; dup {
		return false
	}
	s.listeners[a] = ln
	return true
}

// forgetListener removes a's entry only while it still refers to ln.
func (s *Session) forgetListener(a tunnel.Addr, ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.listeners[a]; !ok || cur != ln {
		return false
	}
	delete(s.listeners, a)
	return true
}

func (s *Session) removeListener(a tunnel.Addr) net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.listeners[a]
	if !ok {
		return nil
	}
	delete(s.listeners, a)
	return ln
}

func (s *Session) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleForward(req)
		case "cancel-tcpip-forward":
			s.handleCancelForward(req)
		case "keepalive@openssh.com":
			reply(req, true, nil)
		default:
			obs.Debug("request.unsupported", obs.Fields{"session": s.id, "type": req.Type})
			reply(req, false, nil)
		}
	}
}

func (s *Session) handleChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		switch nc.ChannelType() {
		case "direct-tcpip":
			go s.handleDirect(nc)
		case "session":
			go s.handleSessionChannel(nc)
		default:
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// handleSessionChannel answers the forwarding requests clients make on a
// session channel. The broker runs no commands.
func (s *Session) handleSessionChannel(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	az := s.srv.Authorizer
	for req := range reqs {
		switch req.Type {
		case "auth-agent-req@openssh.com":
			reply(req, az.CanForwardAgent(s), nil)
		case "x11-req":
			reply(req, az.CanForwardX11(s), nil)
		case "pty-req", "env", "window-change":
			reply(req, true, nil)
		case "exec", "shell", "subsystem":
			var cmd struct{ Value string }
			_ = ssh.Unmarshal(req.Payload, &cmd)
			reply(req, true, nil)
			_, _ = ch.Stderr().Write([]byte("unknown command: " + cmd.Value + "\r\n"))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{1}))
			return
		default:
			reply(req, false, nil)
		}
	}
}

func reply(req *ssh.Request, ok bool, payload []byte) {
	if req.WantReply {
		_ = req.Reply(ok, payload)
	}
}
