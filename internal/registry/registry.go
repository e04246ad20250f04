// Package registry owns the token to port leases and the fixed port pool
// they are drawn from.
//
// A lease binds one token to one port for as long as the token stays
// registered. Every change to a single lease (listen grant, idle clock,
// eviction, removal) runs under the concurrent map's per-key lock, so a
// grant and a removal of the same lease never interleave. Allocation, which
// must scan for a free port and then insert, is serialized by a single
// mutex so two tokens can never receive the same port.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/matst80/portbroker/internal/obs"
)

// PrefixOwnKey is the key under which LookupByPrefix reports the port of
// the prefix token itself.
const PrefixOwnKey = "ssh"

// ErrInvalidRange is returned by New for an empty or out of range pool.
var ErrInvalidRange = errors.New("registry: invalid port range")

// RemoveReason says why a lease ended.
type RemoveReason string

const (
	ReasonReleased RemoveReason = "released"
	ReasonRemoved  RemoveReason = "removed"
	ReasonExpired  RemoveReason = "expired"
)

// Lease is a point-in-time copy of a lease. A zero IdleSince means the
// lease was seen live by the most recent sweep.
type Lease struct {
	Token     string
	Port      int
	CreatedAt time.Time
	IdleSince time.Time
}

// BinderCloser force-closes whatever live session is bound to a port.
type BinderCloser interface {
	CloseBinder(port int) bool
}

// Observer is notified after leases are created or removed. Calls happen
// outside registry locks, on the goroutine that changed the lease.
type Observer interface {
	LeaseCreated(token string, port int)
	LeaseRemoved(token string, port int, reason RemoveReason)
}

type lease struct {
	token   string
	port    int
	created time.Time
	// idleSince holds unix nanoseconds; 0 means unset. Written only under
	// the map's key lock, read atomically by snapshots.
	idleSince atomic.Int64
}

func (l *lease) snapshot() Lease {
	out := Lease{Token: l.token, Port: l.port, CreatedAt: l.created}
	if ns := l.idleSince.Load(); ns != 0 {
		out.IdleSince = time.Unix(0, ns)
	}
	return out
}

type Registry struct {
	lower, higher int

	leases  *xsync.MapOf[string, *lease]
	allocMu sync.Mutex

	closer    BinderCloser
	observers []Observer
	now       func() time.Time
}

type Option func(*Registry)

// WithBinderCloser sets the hook used to close a port's live session
// before its lease is dropped.
func WithBinderCloser(c BinderCloser) Option {
	return func(r *Registry) { r.closer = c }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over the closed range [lower, higher].
func New(lower, higher int, opts ...Option) (*Registry, error) {
	if lower < 1 || higher > 65535 || lower > higher {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, lower, higher)
	}
	r := &Registry{
		lower:  lower,
		higher: higher,
		leases: xsync.NewMapOf[string, *lease](),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	obs.PoolCapacity.Set(float64(r.Capacity()))
	return r, nil
}

func (r *Registry) LowerPort() int  { return r.lower }
func (r *Registry) HigherPort() int { return r.higher }
func (r *Registry) Capacity() int   { return r.higher - r.lower + 1 }

// Allocate returns the port leased to token, leasing the lowest free port
// first if the token has none. ok is false when the pool is exhausted.
func (r *Registry) Allocate(token string) (port int, ok bool) {
	port, created, ok := r.allocate(token)
	if created {
		obs.Debug("lease.created", obs.Fields{"token": token, "port": port})
		r.notifyCreated(token, port)
	}
	if !ok {
		obs.Debug("lease.pool_exhausted", obs.Fields{"token": token})
		obs.PoolExhaustedTotal.Inc()
	}
	return port, ok
}

func (r *Registry) allocate(token string) (port int, created, ok bool) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	if l, found := r.leases.Load(token); found {
		return l.port, false, true
	}
	taken := make(map[int]struct{}, r.leases.Size())
	r.leases.Range(func(_ string, l *lease) bool {
		taken[l.port] = struct{}{}
		return true
	})
	for p := r.lower; p <= r.higher; p++ {
		if _, used := taken[p]; used {
			continue
		}
		r.leases.Store(token, &lease{token: token, port: p, created: r.now()})
		return p, true, true
	}
	return 0, false, false
}

// Lookup returns the port leased to token.
func (r *Registry) Lookup(token string) (int, bool) {
	l, ok := r.leases.Load(token)
	if !ok {
		return 0, false
	}
	return l.port, true
}

// LookupByPrefix groups sub-tunnels of a tenant: the prefix's own port is
// reported under PrefixOwnKey and every leased "prefix-suffix" token under
// its suffix.
func (r *Registry) LookupByPrefix(prefix string) map[string]int {
	out := make(map[string]int)
	if p, ok := r.Lookup(prefix); ok {
		out[PrefixOwnKey] = p
	}
	sub := prefix + "-"
	r.leases.Range(func(token string, l *lease) bool {
		if strings.HasPrefix(token, sub) {
			out[token[len(sub):]] = l.port
		}
		return true
	})
	return out
}

// All returns token to port for every lease.
func (r *Registry) All() map[string]int {
	out := make(map[string]int, r.leases.Size())
	r.leases.Range(func(token string, l *lease) bool {
		out[token] = l.port
		return true
	})
	return out
}

// Leases returns a snapshot of every lease.
func (r *Registry) Leases() []Lease {
	out := make([]Lease, 0, r.leases.Size())
	r.leases.Range(func(_ string, l *lease) bool {
		out = append(out, l.snapshot())
		return true
	})
	return out
}

func (r *Registry) Count() int { return r.leases.Size() }

// IsPoolExhausted reports whether every port in the range is leased.
func (r *Registry) IsPoolExhausted() bool {
	return r.leases.Size() >= r.Capacity()
}

// Release drops the lease that owns port, then closes any session still
// bound to the port. The binder is closed even when no lease owned it.
func (r *Registry) Release(port int) bool {
	var owner *lease
	r.leases.Range(func(_ string, l *lease) bool {
		if l.port == port {
			owner = l
			return false
		}
		return true
	})
	removed := owner != nil && r.drop(owner, ReasonReleased)
	r.closeBinder(port)
	return removed
}

// RemoveToken drops the lease held by token and closes its bound session,
// the same as Release on the token's port.
func (r *Registry) RemoveToken(token string) bool {
	l, ok := r.leases.Load(token)
	if !ok {
		return false
	}
	removed := r.drop(l, ReasonRemoved)
	r.closeBinder(l.port)
	return removed
}

// Claim resets the idle clock of token's lease if the lease still holds
// port, and reports whether it does. A listener must only be granted after
// a successful Claim: once a lease is dropped no Claim on it can succeed.
func (r *Registry) Claim(token string, port int) bool {
	return r.update(token, func(l *lease) bool {
		if l.port != port {
			return false
		}
		l.idleSince.Store(0)
		return true
	})
}

// MarkIdle starts the idle clock of token's lease at now unless it is
// already running, and returns the instant the clock started.
func (r *Registry) MarkIdle(token string, now time.Time) (time.Time, bool) {
	var since int64
	ok := r.update(token, func(l *lease) bool {
		since = l.idleSince.Load()
		if since == 0 {
			since = now.UnixNano()
			l.idleSince.Store(since)
		}
		return true
	})
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, since), true
}

// MarkLive clears the idle clock of token's lease.
func (r *Registry) MarkLive(token string) {
	r.update(token, func(l *lease) bool {
		l.idleSince.Store(0)
		return true
	})
}

// EvictIdle drops token's lease only if it is still idle since the given
// instant, then closes any session left bound to its port. A lease seen
// live in the meantime survives.
func (r *Registry) EvictIdle(token string, since time.Time) bool {
	want := since.UnixNano()
	var evicted *lease
	r.leases.Compute(token, func(cur *lease, loaded bool) (*lease, bool) {
		if !loaded {
			return cur, true
		}
		if cur.idleSince.Load() != want {
			return cur, false
		}
		evicted = cur
		return cur, true
	})
	if evicted == nil {
		return false
	}
	obs.Debug("lease.expired", obs.Fields{"token": token, "port": evicted.port})
	r.notifyRemoved(evicted.token, evicted.port, ReasonExpired)
	r.closeBinder(evicted.port)
	return true
}

// update runs fn on token's lease under the map's key lock. It reports
// false when there is no lease or fn returns false.
func (r *Registry) update(token string, fn func(l *lease) bool) bool {
	ok := false
	r.leases.Compute(token, func(cur *lease, loaded bool) (*lease, bool) {
		if !loaded {
			return cur, true
		}
		ok = fn(cur)
		return cur, false
	})
	return ok
}

func (r *Registry) drop(l *lease, reason RemoveReason) bool {
	removed := false
	r.leases.Compute(l.token, func(cur *lease, loaded bool) (*lease, bool) {
		if loaded && cur == l {
			removed = true
			return cur, true
		}
		return cur, !loaded
	})
	if removed {
		obs.Debug("lease.removed", obs.Fields{"token": l.token, "port": l.port, "reason": string(reason)})
		r.notifyRemoved(l.token, l.port, reason)
	}
	return removed
}

func (r *Registry) closeBinder(port int) {
	if r.closer != nil && r.closer.CloseBinder(port) {
		obs.Info("lease.binder_closed", obs.Fields{"port": port})
	}
}

func (r *Registry) notifyCreated(token string, port int) {
	obs.LeasesCreatedTotal.Inc()
	obs.ActiveLeases.Set(float64(r.leases.Size()))
	for _, o := range r.observers {
		o.LeaseCreated(token, port)
	}
}

func (r *Registry) notifyRemoved(token string, port int, reason RemoveReason) {
	obs.LeasesRemovedTotal.WithLabelValues(string(reason)).Inc()
	obs.ActiveLeases.Set(float64(r.leases.Size()))
	for _, o := range r.observers {
		o.LeaseRemoved(token, port, reason)
	}
}
