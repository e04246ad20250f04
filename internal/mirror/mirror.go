// Package mirror publishes the lease table to Redis so operators and other
// tooling can read it without going through the broker.
//
// The mirror is write-only. The broker never reads it back, and a Redis
// outage only costs visibility: failures are logged and counted.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/registry"
)

const (
	DefaultPrefix = "portbroker:"
	queueSize     = 1024
	writeTimeout  = 2 * time.Second
	drainTimeout  = 5 * time.Second
)

// Event is the JSON message published on the events channel.
type Event struct {
	Type     string    `json:"type"`
	Token    string    `json:"token"`
	Port     int       `json:"port"`
	Reason   string    `json:"reason,omitempty"`
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// Mirror implements registry.Observer. Events are queued and written by Run
// so lease operations never wait on Redis.
type Mirror struct {
	client     *redis.Client
	prefix     string
	instanceID string
	events     chan Event
}

var _ registry.Observer = (*Mirror)(nil)

// New connects to Redis and verifies the connection.
func New(addr, password string, db int, prefix string) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(rdb, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Mirror{
		client:     rdb,
		prefix:     prefix,
		instanceID: fmt.Sprintf("portbroker-%d", time.Now().UnixNano()),
		events:     make(chan Event, queueSize),
	}
}

func (m *Mirror) LeasesKey() string { return m.prefix + "leases" }
func (m *Mirror) EventsKey() string { return m.prefix + "events" }

func (m *Mirror) LeaseCreated(token string, port int) {
	m.enqueue(Event{Type: "created", Token: token, Port: port})
}

func (m *Mirror) LeaseRemoved(token string, port int, reason registry.RemoveReason) {
	m.enqueue(Event{Type: "removed", Token: token, Port: port, Reason: string(reason)})
}

func (m *Mirror) enqueue(ev Event) {
	ev.Instance = m.instanceID
	ev.At = time.Now().UTC()
	select {
	case m.events <- ev:
	default:
		obs.ErrorsTotal.WithLabelValues("mirror_queue_full").Inc()
		obs.Warn("mirror.dropped", obs.Fields{"token": ev.Token, "type": ev.Type})
	}
}

// Run clears the lease hash left by a previous process and then applies
// queued events until ctx is done. Events still queued at that point are
// flushed on a short deadline.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.reset(ctx); err != nil {
		obs.Error("mirror.reset", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
	}
	for {
		select {
		case ev := <-m.events:
			m.apply(ctx, ev)
		case <-ctx.Done():
			m.drain()
			return nil
		}
	}
}

func (m *Mirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-m.events:
			m.apply(ctx, ev)
		default:
			return
		}
	}
}

func (m *Mirror) reset(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return m.client.Del(wctx, m.LeasesKey()).Err()
}

func (m *Mirror) apply(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		obs.Error("mirror.marshal", obs.Fields{"err": err.Error()})
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	pipe := m.client.Pipeline()
	switch ev.Type {
	case "created":
		pipe.HSet(wctx, m.LeasesKey(), ev.Token, ev.Port)
	case "removed":
		pipe.HDel(wctx, m.LeasesKey(), ev.Token)
	}
	pipe.Publish(wctx, m.EventsKey(), data)
	if _, err := pipe.Exec(wctx); err != nil {
		obs.Error("mirror.write", obs.Fields{"err": err.Error(), "token": ev.Token, "type": ev.Type})
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
	}
}

// Snapshot reads the mirrored lease table.
func (m *Mirror) Snapshot(ctx context.Context) (map[string]int, error) {
	raw, err := m.client.HGetAll(ctx, m.LeasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]int, len(raw))
	for tok, v := range raw {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("mirror: bad port %q for %s", v, tok)
		}
		out[tok] = p
	}
	return out, nil
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
