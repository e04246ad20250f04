// Package sshd is the transport engine: an SSH server that carries reverse
// tunnels and defers every admission decision to a tunnel.Authenticator and
// a tunnel.Authorizer.
package sshd

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/tunnel"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultServerVersion    = "SSH-2.0-portbroker"
)

// Server accepts SSH connections. Authenticator, Authorizer and Signer must
// be set before Serve is called and not changed afterwards.
type Server struct {
	// BindHost is the host reverse listeners are bound on, whatever address
	// the client asked for.
	BindHost         string
	Signer           ssh.Signer
	Authenticator    tunnel.Authenticator
	Authorizer       tunnel.Authorizer
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	ServerVersion    string

	mu       sync.Mutex
	sessions map[string]*Session

	// handshaking holds connections that have not authenticated yet.
	handshaking map[net.Conn]struct{}
	listener    net.Listener
	closed      bool
	wg          sync.WaitGroup
}

var _ tunnel.SessionSource = (*Server)(nil)

// Serve accepts connections on ln until Close is called. It returns nil
// after Close and the accept error otherwise.
func (srv *Server) Serve(ln net.Listener) error {
	if srv.Signer == nil || srv.Authenticator == nil || srv.Authorizer == nil {
		return errors.New("sshd: server not configured")
	}
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return tunnel.ErrEngineClosed
	}
	srv.listener = ln
	srv.mu.Unlock()

	obs.Info("sshd.listening", obs.Fields{"addr": ln.Addr().String()})
	for {
		c, err := ln.Accept()
		if err != nil {
			if srv.isClosed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("sshd.accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		srv.mu.Lock()
		if srv.closed {
			srv.mu.Unlock()
			_ = c.Close()
			return nil
		}
		srv.wg.Add(1)
		srv.mu.Unlock()
		go func() {
			defer srv.wg.Done()
			srv.handleConn(c)
		}()
	}
}

// Sessions returns the sessions that completed their handshake and are
// still open.
func (srv *Server) Sessions() ([]tunnel.Session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return nil, tunnel.ErrEngineClosed
	}
	out := make([]tunnel.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out, nil
}

// Close stops accepting, force-closes every session and waits for the
// connection handlers to return.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	ln := srv.listener
	live := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		live = append(live, s)
	}
	pending := make([]net.Conn, 0, len(srv.handshaking))
	for c := range srv.handshaking {
		pending = append(pending, c)
	}
	srv.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range pending {
		_ = c.Close()
	}
	for _, s := range live {
		_ = s.Close()
	}
	srv.wg.Wait()
	return err
}

func (srv *Server) isClosed() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

func (srv *Server) beginHandshake(c net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	if srv.handshaking == nil {
		srv.handshaking = make(map[net.Conn]struct{})
	}
	srv.handshaking[c] = struct{}{}
	return true
}

func (srv *Server) endHandshake(c net.Conn) {
	srv.mu.Lock()
	delete(srv.handshaking, c)
	srv.mu.Unlock()
}

func (srv *Server) track(s *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	if srv.sessions == nil {
		srv.sessions = make(map[string]*Session)
	}
	srv.sessions[s.id] = s
	obs.LiveSessions.Set(float64(len(srv.sessions)))
	return true
}

func (srv *Server) untrack(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.id)
	obs.LiveSessions.Set(float64(len(srv.sessions)))
	srv.mu.Unlock()
	obs.SessionDurationSeconds.Observe(time.Since(s.started).Seconds())
}

func (srv *Server) handleConn(nc net.Conn) {
	sess := &Session{
		id:        uuid.NewString(),
		srv:       srv,
		conn:      nc,
		started:   time.Now(),
		attrs:     make(map[string]any),
		listeners: make(map[tunnel.Addr]net.Listener),
	}

	auth := func(md ssh.ConnMetadata) (*ssh.Permissions, error) {
		if !srv.Authenticator.Authenticate(sess, md.User()) {
			return nil, errors.New("unknown token")
		}
		return &ssh.Permissions{Extensions: map[string]string{"session-id": sess.id}}, nil
	}
	version := srv.ServerVersion
	if version == "" {
		version = DefaultServerVersion
	}
	cfg := &ssh.ServerConfig{
		NoClientAuth:         true,
		NoClientAuthCallback: auth,
		PasswordCallback: func(md ssh.ConnMetadata, _ []byte) (*ssh.Permissions, error) {
			return auth(md)
		},
		ServerVersion: version,
	}
	cfg.AddHostKey(srv.Signer)

	timeout := srv.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if !srv.beginHandshake(nc) {
		_ = nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Now().Add(timeout))
	sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	srv.endHandshake(nc)
	if err != nil {
		_ = nc.Close()
		obs.Debug("sshd.handshake", obs.Fields{"remote": nc.RemoteAddr().String(), "err": err.Error()})
		return
	}
	_ = nc.SetDeadline(time.Time{})
	sess.sshConn = sc

	if !srv.track(sess) {
		_ = sc.Close()
		return
	}
	defer srv.untrack(sess)
	defer sess.Close()

	obs.Info("session.open", obs.Fields{"session": sess.id, "remote": nc.RemoteAddr().String(), "user": sc.User()})
	go sess.handleGlobalRequests(reqs)
	sess.handleChannels(chans)
	obs.Info("session.closed", obs.Fields{"session": sess.id, "duration": time.Since(sess.started).String()})
}
