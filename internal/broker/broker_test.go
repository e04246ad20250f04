package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"reflect"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

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

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testConfig(lower, higher, sshPort int) config.Config {
	cfg := config.Default()
	cfg.SSH.Bind = "127.0.0.1"
	cfg.SSH.Port = sshPort
	cfg.Pool = config.Pool{Lower: lower, Higher: higher}
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(testConfig(9010, 9000, 2222)); !errors.Is(err, config.ErrInvertedRange) {
		t.Fatalf("New() = %v, want ErrInvertedRange", err)
	}
}

func TestAllocationSurface(t *testing.T) {
	b, err := New(testConfig(9000, 9002, 2222))
	if err != nil {
		t.Fatal(err)
	}

	for i, tok := range []string{"A", "B", "C"} {
		port, ok := b.CreatePort(tok)
		if !ok || port != 9000+i {
			t.Fatalf("CreatePort(%s) = (%d, %v), want (%d, true)", tok, port, ok, 9000+i)
		}
	}
	if port, ok := b.CreatePort("D"); ok || port != 0 {
		t.Fatalf("CreatePort(D) = (%d, %v), want (0, false)", port, ok)
	}
	if !b.IsServerBusy() {
		t.Error("IsServerBusy() = false with a full pool")
	}
	if p, ok := b.CreatePort("B"); !ok || p != 9001 {
		t.Errorf("CreatePort(B) again = (%d, %v), want (9001, true)", p, ok)
	}

	b.RemoveToken("B")
	if _, ok := b.GetPort("B"); ok {
		t.Error("B still leased after RemoveToken")
	}
	if p, _ := b.CreatePort("D"); p != 9001 {
		t.Errorf("CreatePort(D) = %d, want reused 9001", p)
	}
	b.ReleasePort(9000)
	if got := b.GetActiveTokensNumber(); got != 2 {
		t.Errorf("GetActiveTokensNumber() = %d, want 2", got)
	}
	want := map[string]int{"D": 9001, "C": 9002}
	if got := b.GetAllPorts(); !reflect.DeepEqual(got, want) {
		t.Errorf("GetAllPorts() = %v, want %v", got, want)
	}
	if b.LowerPort() != 9000 || b.HigherPort() != 9002 || b.SSHPort() != 2222 || b.Capacity() != 3 {
		t.Errorf("accessors = %d %d %d %d", b.LowerPort(), b.HigherPort(), b.SSHPort(), b.Capacity())
	}
}

func TestPortByPrefix(t *testing.T) {
	b, err := New(testConfig(9000, 9009, 2222))
	if err != nil {
		t.Fatal(err)
	}
	b.CreatePort("acme")
	b.CreatePort("acme-web")
	b.CreatePort("acme-db")
	b.CreatePort("other")

	want := map[string]int{"ssh": 9000, "web": 9001, "db": 9002}
	if got := b.GetPortByPrefix("acme"); !reflect.DeepEqual(got, want) {
		t.Errorf("GetPortByPrefix(acme) = %v, want %v", got, want)
	}
}

func TestIdleLeaseExpires(t *testing.T) {
	cfg := testConfig(9000, 9001, 2222)
	cfg.Idle.Timeout = 1
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b.CreatePort("idle")
	if _, err := b.Sweep(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	evicted, err := b.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("Sweep() evicted %v, want [idle]", evicted)
	}
	if _, ok := b.GetPort("idle"); ok {
		t.Error("expired lease still present")
	}
}

func TestLifecycle(t *testing.T) {
	lower := freePort(t)
	sshPort := freePort(t)
	if sshPort == lower {
		t.Skip("could not pick distinct free ports")
	}
	b, err := New(testConfig(lower, lower, sshPort), WithSigner(testSigner(t)))
	if err != nil {
		t.Fatal(err)
	}
	if b.Ready() {
		t.Error("Ready() before Start")
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if !b.Ready() {
		t.Error("Ready() = false after Start")
	}

	port, _ := b.CreatePort("tenant")
	client, err := ssh.Dial("tcp", b.SSHAddr().String(), &ssh.ClientConfig{
		User:            "tenant",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	ln, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("remote listen: %v", err)
	}
	defer ln.Close()

	sessions := b.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %v, want one", sessions)
	}
	if s := sessions[0]; s.Token != "tenant" || !reflect.DeepEqual(s.Ports, []int{port}) || s.ID == "" {
		t.Errorf("session = %+v", s)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if b.Ready() {
		t.Error("Ready() after Stop")
	}
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
	done := make(chan struct{})
	go func() { _ = client.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client session survived Stop")
	}
	if got := b.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() after Stop = %v", got)
	}
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	sshPort := busy.Addr().(*net.TCPAddr).Port

	b, err := New(testConfig(9000, 9001, sshPort), WithSigner(testSigner(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err == nil {
		_ = b.Stop()
		t.Fatal("Start() on a taken port succeeded")
	}
	if b.Ready() {
		t.Error("Ready() after failed Start")
	}
}

func TestStopBeforeStart(t *testing.T) {
	b, err := New(testConfig(9000, 9001, 2222))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop() = %v, want ErrNotStarted", err)
	}
}
