// Package broker assembles the lease registry, the SSH transport, the
// admission policy and the idle reaper into one service with a start/stop
// lifecycle.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/portbroker/internal/authz"
	"github.com/matst80/portbroker/internal/config"
	"github.com/matst80/portbroker/internal/hostkey"
	"github.com/matst80/portbroker/internal/locator"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/reaper"
	"github.com/matst80/portbroker/internal/registry"
	"github.com/matst80/portbroker/internal/sshd"
)

var (
	ErrAlreadyStarted = errors.New("broker: already started")
	ErrNotStarted     = errors.New("broker: not started")
)

// SessionInfo describes one live SSH session.
type SessionInfo struct {
	ID      string    `json:"id"`
	Token   string    `json:"token"`
	Remote  string    `json:"remote"`
	Ports   []int     `json:"ports"`
	Started time.Time `json:"started"`
}

type Option func(*Broker)

// WithObserver adds a lease observer, such as the Redis mirror.
func WithObserver(o registry.Observer) Option {
	return func(b *Broker) { b.observers = append(b.observers, o) }
}

// WithSigner uses signer instead of loading the configured host key.
func WithSigner(signer ssh.Signer) Option {
	return func(b *Broker) { b.signer = signer }
}

type Broker struct {
	cfg       config.Config
	signer    ssh.Signer
	observers []registry.Observer

	reg    *registry.Registry
	srv    *sshd.Server
	loc    *locator.Locator
	reaper *reaper.Reaper

	mu       sync.Mutex
	started  bool
	stopping bool
	sshAddr  net.Addr
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New wires the broker's components. Nothing listens until Start.
func New(cfg config.Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Broker{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}

	b.srv = &sshd.Server{BindHost: cfg.SSH.Bind, HandshakeTimeout: cfg.SSH.Handshake}
	b.loc = locator.New(b.srv)

	regOpts := []registry.Option{registry.WithBinderCloser(b.loc)}
	for _, o := range b.observers {
		regOpts = append(regOpts, registry.WithObserver(o))
	}
	reg, err := registry.New(cfg.Pool.Lower, cfg.Pool.Higher, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	b.reg = reg
	b.srv.Authenticator = authz.NewGate(reg)
	b.srv.Authorizer = authz.NewAuthorizer(reg, b.loc)
	b.reaper = reaper.New(reg, b.loc, cfg.Idle.Sweep, cfg.IdleTimeout())
	return b, nil
}

// Start loads the host key, binds the SSH endpoint and launches the accept
// loop and the reaper. Bind and key failures are returned. Cancelling ctx
// stops the reaper but not the SSH endpoint; use Stop for a full shutdown.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	if b.signer == nil {
		signer, err := hostkey.LoadOrGenerate(b.cfg.SSH.HostKey)
		if err != nil {
			return fmt.Errorf("load host key: %w", err)
		}
		b.signer = signer
	}
	b.srv.Signer = b.signer

	ln, err := net.Listen("tcp", b.cfg.SSHAddr())
	if err != nil {
		return fmt.Errorf("listen ssh %s: %w", b.cfg.SSHAddr(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.srv.Serve(ln) })
	g.Go(func() error { return b.reaper.Run(gctx) })

	b.started = true
	b.sshAddr = ln.Addr()
	b.cancel = cancel
	b.group = g
	obs.Info("broker.started", obs.Fields{
		"ssh":          ln.Addr().String(),
		"lower_port":   b.reg.LowerPort(),
		"higher_port":  b.reg.HigherPort(),
		"idle_timeout": b.cfg.IdleTimeout().String(),
	})
	return nil
}

// Wait blocks until the accept loop and the reaper have returned.
func (b *Broker) Wait() error {
	b.mu.Lock()
	g := b.group
	b.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// Stop cancels the reaper, letting an in-flight sweep finish, closes every
// session and the SSH listener, and waits for the background goroutines.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	cancel, g := b.cancel, b.group
	b.mu.Unlock()

	obs.Info("broker.stopping", obs.Fields{})
	cancel()
	closeErr := b.srv.Close()
	err := g.Wait()
	obs.Info("broker.stopped", obs.Fields{})
	if err != nil {
		return err
	}
	return closeErr
}

// Ready reports whether the broker is serving and not shutting down.
func (b *Broker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && !b.stopping
}

// SSHAddr is the bound SSH address, nil before Start.
func (b *Broker) SSHAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sshAddr
}

// CreatePort returns the token's port, leasing one if needed. ok is false
// when the pool is exhausted.
func (b *Broker) CreatePort(token string) (int, bool) { return b.reg.Allocate(token) }

func (b *Broker) GetPort(token string) (int, bool) { return b.reg.Lookup(token) }

func (b *Broker) GetAllPorts() map[string]int { return b.reg.All() }

func (b *Broker) GetPortByPrefix(prefix string) map[string]int { return b.reg.LookupByPrefix(prefix) }

// IsServerBusy reports pool exhaustion.
func (b *Broker) IsServerBusy() bool { return b.reg.IsPoolExhausted() }

// RemoveToken drops the token's lease and closes its live session.
func (b *Broker) RemoveToken(token string) { b.reg.RemoveToken(token) }

// ReleasePort closes the session bound to port and drops the lease owning
// it.
func (b *Broker) ReleasePort(port int) { b.reg.Release(port) }

func (b *Broker) GetActiveTokensNumber() int { return b.reg.Count() }

func (b *Broker) Capacity() int { return b.reg.Capacity() }

func (b *Broker) LowerPort() int  { return b.reg.LowerPort() }
func (b *Broker) HigherPort() int { return b.reg.HigherPort() }
func (b *Broker) SSHPort() int    { return b.cfg.SSH.Port }

// Sessions lists live sessions ordered by start time. It is empty before
// Start and after Stop.
func (b *Broker) Sessions() []SessionInfo {
	live, err := b.srv.Sessions()
	if err != nil {
		return []SessionInfo{}
	}
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		info := SessionInfo{ID: s.ID(), Remote: s.RemoteAddr().String(), Ports: []int{}}
		info.Token, _ = authz.TokenOf(s)
		for _, a := range s.BoundAddrs() {
			info.Ports = append(info.Ports, a.Port)
		}
		if st, ok := s.(interface{ Started() time.Time }); ok {
			info.Started = st.Started().UTC()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Sweep runs one idle sweep immediately.
func (b *Broker) Sweep() ([]string, error) { return b.reaper.Sweep() }
