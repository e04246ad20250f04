// Package reaper reclaims leases whose port has had no live binder for
// longer than the idle timeout.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/registry"
	"github.com/matst80/portbroker/internal/tunnel"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultIdleTimeout = 10 * time.Minute
)

// Leases is the part of the registry the reaper drives.
type Leases interface {
	Leases() []registry.Lease
	MarkIdle(token string, now time.Time) (time.Time, bool)
	MarkLive(token string)
	EvictIdle(token string, since time.Time) bool
}

// Binders reports which ports currently have a live session bound.
type Binders interface {
	Ports() (map[int]tunnel.Session, error)
}

type Reaper struct {
	leases   Leases
	binders  Binders
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Reaper)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper. Non-positive durations fall back to the defaults.
func New(leases Leases, binders Binders, interval, idleTimeout time.Duration, opts ...Option) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	r := &Reaper{leases: leases, binders: binders, interval: interval, timeout: idleTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps once immediately and then every interval until ctx is done.
// A sweep already in progress when ctx is cancelled runs to completion.
func (r *Reaper) Run(ctx context.Context) error {
	obs.Info("reaper.start", obs.Fields{"interval": r.interval.String(), "idle_timeout": r.timeout.String()})
	r.safeSweep()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			obs.Info("reaper.stop", obs.Fields{})
			return nil
		case <-t.C:
			r.safeSweep()
		}
	}
}

func (r *Reaper) safeSweep() {
	defer func() {
		if p := recover(); p != nil {
			obs.Error("reaper.sweep.panic", obs.Fields{"panic": fmt.Sprint(p)})
			obs.ErrorsTotal.WithLabelValues("sweep_panic").Inc()
		}
	}()
	if _, err := r.Sweep(); err != nil {
		obs.Error("reaper.sweep", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("sweep").Inc()
	}
}

// Sweep runs one pass and returns the tokens it evicted. Leases are marked
// during the scan and evicted only after it completes. Sessions bound to a
// port that no lease owns are closed.
func (r *Reaper) Sweep() ([]string, error) {
	start := time.Now()
	defer func() { obs.SweepDurationSeconds.Observe(time.Since(start).Seconds()) }()

	bound, err := r.binders.Ports()
	if err != nil {
		return nil, fmt.Errorf("enumerate sessions: %w", err)
	}
	now := r.now()

	type mark struct {
		token string
		since time.Time
	}
	var marks []mark
	leased := make(map[int]struct{})
	for _, l := range r.leases.Leases() {
		leased[l.Port] = struct{}{}
		if _, live := bound[l.Port]; live {
			r.leases.MarkLive(l.Token)
			continue
		}
		since, ok := r.leases.MarkIdle(l.Token, now)
		if !ok {
			continue
		}
		if now.Sub(since) > r.timeout {
			marks = append(marks, mark{token: l.Token, since: since})
		}
	}

	// A listener granted just before its lease was dropped can still bind
	// after the removal closed the port's binder.
	for port, s := range bound {
		if _, ok := leased[port]; ok {
			continue
		}
		obs.Warn("reaper.orphan_closed", obs.Fields{"port": port, "session": s.ID()})
		obs.ErrorsTotal.WithLabelValues("orphan_binder").Inc()
		_ = s.Close()
	}

	var evicted []string
	for _, m := range marks {
		if r.leases.EvictIdle(m.token, m.since) {
			obs.Info("lease.expired", obs.Fields{"token": m.token, "idle_since": m.since.UTC().Format(time.RFC3339)})
			evicted = append(evicted, m.token)
		}
	}
	return evicted, nil
}
