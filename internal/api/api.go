// Package api serves the broker's HTTP control plane: lease management,
// status, Prometheus metrics and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/portbroker/internal/broker"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/web"
)

// Broker is the control surface the API exposes.
type Broker interface {
	CreatePort(token string) (int, bool)
	GetPort(token string) (int, bool)
	GetAllPorts() map[string]int
	GetPortByPrefix(prefix string) map[string]int
	IsServerBusy() bool
	RemoveToken(token string)
	ReleasePort(port int)
	GetActiveTokensNumber() int
	Capacity() int
	LowerPort() int
	HigherPort() int
	SSHPort() int
	Sessions() []broker.SessionInfo
	Ready() bool
}

var _ Broker = (*broker.Broker)(nil)

// Lease is the body returned for a single token.
type Lease struct {
	Token string `json:"token"`
	Port  int    `json:"port"`
}

// Status is the body of GET /status.
type Status struct {
	Busy         bool   `json:"busy"`
	ActiveTokens int    `json:"active_tokens"`
	Capacity     int    `json:"capacity"`
	Sessions     int    `json:"sessions"`
	LowerPort    int    `json:"lower_port"`
	HigherPort   int    `json:"higher_port"`
	SSHPort      int    `json:"ssh_port"`
	Now          string `json:"now"`
}

// ErrorBody is the body of every non-2xx JSON response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Handler routes the control API onto b.
func Handler(b Broker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ports/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		port, ok := b.CreatePort(token)
		if !ok {
			obs.Warn("api.pool_exhausted", obs.Fields{"token": token})
			writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "pool exhausted"})
			return
		}
		writeJSON(w, http.StatusOK, Lease{Token: token, Port: port})
	})
	mux.HandleFunc("GET /ports/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		port, ok := b.GetPort(token)
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "no lease for token"})
			return
		}
		writeJSON(w, http.StatusOK, Lease{Token: token, Port: port})
	})
	mux.HandleFunc("DELETE /ports/{token}", func(w http.ResponseWriter, r *http.Request) {
		b.RemoveToken(r.PathValue("token"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /ports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.GetAllPorts())
	})
	mux.HandleFunc("GET /ports/prefix/{prefix}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.GetPortByPrefix(r.PathValue("prefix")))
	})
	mux.HandleFunc("DELETE /leases/{port}", func(w http.ResponseWriter, r *http.Request) {
		port, err := strconv.Atoi(r.PathValue("port"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "port must be numeric"})
			return
		}
		b.ReleasePort(port)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Busy:         b.IsServerBusy(),
			ActiveTokens: b.GetActiveTokensNumber(),
			Capacity:     b.Capacity(),
			Sessions:     len(b.Sessions()),
			LowerPort:    b.LowerPort(),
			HigherPort:   b.HigherPort(),
			SSHPort:      b.SSHPort(),
			Now:          time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Sessions())
	})
	mux.HandleFunc("GET /dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := web.Render(w, web.Dashboard{
			Busy:         b.IsServerBusy(),
			ActiveTokens: b.GetActiveTokensNumber(),
			Capacity:     b.Capacity(),
			LowerPort:    b.LowerPort(),
			HigherPort:   b.HigherPort(),
			SSHPort:      b.SSHPort(),
			Leases:       web.Leases(b.GetAllPorts()),
			Sessions:     b.Sessions(),
		})
		if err != nil {
			obs.Error("api.dashboard", obs.Fields{"err": err.Error()})
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !b.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Serve runs the control API on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, b Broker) error {
	srv := &http.Server{Handler: Handler(b), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	obs.Info("api.listening", obs.Fields{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		obs.Error("api.server", obs.Fields{"err": err.Error(), "addr": ln.Addr().String()})
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.Debug("api.encode", obs.Fields{"err": err.Error()})
	}
}
