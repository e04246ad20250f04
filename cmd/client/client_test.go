package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/api"
	"github.com/matst80/portbroker/internal/broker"
	"github.com/matst80/portbroker/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newBroker(t *testing.T, lower, higher, sshPort int) *broker.Broker {
	t.Helper()
	cfg := config.Default()
	cfg.SSH.Bind = "127.0.0.1"
	cfg.SSH.Port = sshPort
	cfg.Pool = config.Pool{Lower: lower, Higher: higher}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	b, err := broker.New(cfg, broker.WithSigner(signer))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAPIClient(t *testing.T) {
	b := newBroker(t, 9000, 9001, 2222)
	srv := httptest.NewServer(api.Handler(b))
	defer srv.Close()
	c := newAPIClient(srv.URL)
	ctx := context.Background()

	if p, err := c.Lease(ctx, "a"); err != nil || p != 9000 {
		t.Fatalf("Lease(a) = (%d, %v)", p, err)
	}
	if p, err := c.Lease(ctx, "b"); err != nil || p != 9001 {
		t.Fatalf("Lease(b) = (%d, %v)", p, err)
	}
	if _, err := c.Lease(ctx, "c"); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Lease(c) error = %v, want ErrPoolExhausted", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Busy || st.ActiveTokens != 2 || st.Capacity != 2 {
		t.Errorf("Status() = %+v", st)
	}

	if err := c.Release(ctx, 9000); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	ports, err := c.Ports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 0 {
		t.Errorf("Ports() = %v, want empty", ports)
	}
}

func TestLeaseCommand(t *testing.T) {
	b := newBroker(t, 9000, 9001, 2222)
	srv := httptest.NewServer(api.Handler(b))
	defer srv.Close()

	var out bytes.Buffer
	a := app()
	a.Writer = &out
	if err := a.Run([]string{"portbroker-client", "--api", strings.TrimPrefix(srv.URL, "http://"), "lease", "tenant"}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "9000" {
		t.Errorf("lease output = %q, want 9000", got)
	}

	out.Reset()
	a = app()
	a.Writer = &out
	if err := a.Run([]string{"portbroker-client", "--api", srv.URL, "ports"}); err != nil {
		t.Fatalf("ports: %v", err)
	}
	if !strings.Contains(out.String(), `"tenant": 9000`) {
		t.Errorf("ports output = %s", out.String())
	}
}

func TestRunTunnel(t *testing.T) {
	lower, sshPort := freePort(t), freePort(t)
	if lower == sshPort {
		t.Skip("could not pick distinct free ports")
	}
	b := newBroker(t, lower, lower, sshPort)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	port, _ := b.CreatePort("tenant")

	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runTunnel(ctx, tunnelConfig{
			Server: b.SSHAddr().String(),
			Token:  "tenant",
			Port:   port,
			Target: target.Addr().String(),
			Retry:  50 * time.Millisecond,
		})
	}()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leased port never opened: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	conn.Close()
	if string(buf) != "hello" {
		t.Errorf("tunnel echoed %q", buf)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runTunnel() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runTunnel did not return after cancel")
	}
}

func TestFingerprintMismatch(t *testing.T) {
	sshPort := freePort(t)
	b := newBroker(t, 9000, 9000, sshPort)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	b.CreatePort("tenant")

	err := runOnce(context.Background(), tunnelConfig{
		Server:      b.SSHAddr().String(),
		Token:       "tenant",
		Port:        9000,
		Fingerprint: "SHA256:not-the-key",
	})
	if err == nil || !strings.Contains(err.Error(), "fingerprint") {
		t.Fatalf("runOnce() = %v, want fingerprint error", err)
	}
}

func TestHostKeyCallbackAcceptsMatch(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	tc := tunnelConfig{Fingerprint: ssh.FingerprintSHA256(signer.PublicKey())}
	if err := tc.hostKeyCallback()("h", &net.TCPAddr{}, signer.PublicKey()); err != nil {
		t.Errorf("matching fingerprint rejected: %v", err)
	}
	if reflect.ValueOf(tunnelConfig{}.hostKeyCallback()).IsNil() {
		t.Error("no callback without a fingerprint")
	}
}
