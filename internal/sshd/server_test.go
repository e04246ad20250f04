package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/authz"
	"github.com/matst80/portbroker/internal/locator"
	"github.com/matst80/portbroker/internal/registry"
	"github.com/matst80/portbroker/internal/tunnel"
)

type harness struct {
	srv  *Server
	reg  *registry.Registry
	addr string
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newHarness(t *testing.T, poolSize int) *harness {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	srv := &Server{BindHost: "127.0.0.1", Signer: signer, HandshakeTimeout: 5 * time.Second}
	loc := locator.New(srv)
	lower := freePort(t)
	reg, err := registry.New(lower, lower+poolSize-1, registry.WithBinderCloser(loc))
	if err != nil {
		t.Fatal(err)
	}
	srv.Authenticator = authz.NewGate(reg)
	srv.Authorizer = authz.NewAuthorizer(reg, loc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return &harness{srv: srv, reg: reg, addr: ln.Addr().String()}
}

func (h *harness) dial(t *testing.T, user string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", h.addr, &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, c *ssh.Client) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client connection was not closed by the server")
	}
}

func serveEcho(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			_, _ = io.Copy(c, c)
		}()
	}
}

func roundTrip(t *testing.T, port int, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		t.Fatalf("dial leased port: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	h := newHarness(t, 2)
	if c, err := h.dial(t, "stranger"); err == nil {
		c.Close()
		t.Fatal("handshake with unknown token succeeded")
	}
	sessions, err := h.srv.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("Sessions() = %d, want 0", len(sessions))
	}
}

func TestReverseForward(t *testing.T) {
	h := newHarness(t, 2)
	port, _ := h.reg.Allocate("alpha")

	client, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ln, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("remote listen: %v", err)
	}
	go serveEcho(ln)

	roundTrip(t, port, "ping")

	sessions, err := h.srv.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(sessions))
	}
	bound := sessions[0].BoundAddrs()
	if len(bound) != 1 || bound[0].Port != port {
		t.Errorf("BoundAddrs() = %v, want port %d", bound, port)
	}
	if tok, _ := authz.TokenOf(sessions[0]); tok != "alpha" {
		t.Errorf("session token = %q, want alpha", tok)
	}
}

func TestForeignPortClosesSession(t *testing.T) {
	h := newHarness(t, 2)
	h.reg.Allocate("alpha")
	other, _ := h.reg.Allocate("beta")

	client, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(other))); err == nil {
		t.Fatal("listen on a foreign port was granted")
	}
	waitClosed(t, client)
}

func TestMostRecentClaimantWins(t *testing.T) {
	h := newHarness(t, 1)
	port, _ := h.reg.Allocate("alpha")
	target := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	first, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	ln1, err := first.Listen("tcp", target)
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	go serveEcho(ln1)

	second, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	ln2, err := second.Listen("tcp", target)
	if err != nil {
		t.Fatalf("second listen: %v", err)
	}
	go serveEcho(ln2)

	waitClosed(t, first)
	roundTrip(t, port, "after-preempt")

	waitFor(t, "single live session", func() bool {
		s, err := h.srv.Sessions()
		return err == nil && len(s) == 1
	})
}

func TestReleaseClosesBinder(t *testing.T) {
	h := newHarness(t, 1)
	port, _ := h.reg.Allocate("alpha")

	client, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port))); err != nil {
		t.Fatal(err)
	}

	if !h.reg.Release(port) {
		t.Fatal("Release() = false")
	}
	waitClosed(t, client)
	if _, ok := h.reg.Lookup("alpha"); ok {
		t.Error("lease still present after Release")
	}
}

func TestExecIsRefused(t *testing.T) {
	h := newHarness(t, 1)
	h.reg.Allocate("alpha")
	client, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	err = sess.Run("uname -a")
	var exit *ssh.ExitError
	if !errors.As(err, &exit) || exit.ExitStatus() != 1 {
		t.Fatalf("Run() error = %v, want exit status 1", err)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	h := newHarness(t, 1)
	h.reg.Allocate("alpha")
	client, err := h.dial(t, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	waitFor(t, "session tracked", func() bool {
		s, _ := h.srv.Sessions()
		return len(s) == 1
	})

	if err := h.srv.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	waitClosed(t, client)
	if _, err := h.srv.Sessions(); !errors.Is(err, tunnel.ErrEngineClosed) {
		t.Errorf("Sessions() after Close error = %v, want ErrEngineClosed", err)
	}
}

func TestFailedListenerLeavesBoundAddrs(t *testing.T) {
	h := newHarness(t, 1)
	port, _ := h.reg.Allocate("a")
	client, err := h.dial(t, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	rln, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer rln.Close()

	live, err := h.srv.Sessions()
	if err != nil || len(live) != 1 {
		t.Fatalf("Sessions() = (%v, %v), want one session", live, err)
	}
	sess := live[0].(*Session)
	sess.mu.Lock()
	var ln net.Listener
	for _, l := range sess.listeners {
		ln = l
	}
	sess.mu.Unlock()
	if ln == nil {
		t.Fatal("no listener recorded for the forward")
	}

	// Break the listener behind the session's back, as a failing Accept would.
	_ = ln.Close()
	waitFor(t, "dead listener to leave BoundAddrs", func() bool { return len(sess.BoundAddrs()) == 0 })

	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	if closed {
		t.Error("session closed along with its failed listener")
	}
}
