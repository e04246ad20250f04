package sshd

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/tunnel"
)

// RFC 4254 section 7.1.
type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

// RFC 4254 section 7.2; used for both forwarded-tcpip and direct-tcpip.
type channelTarget struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Session) handleForward(req *ssh.Request) {
	var fr forwardRequest
	if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
		obs.ErrorsTotal.WithLabelValues("forward_payload").Inc()
		reply(req, false, nil)
		return
	}
	addr := tunnel.Addr{Host: fr.BindAddr, Port: int(fr.BindPort)}
	if !s.srv.Authorizer.CanListen(s, addr) {
		reply(req, false, nil)
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.srv.BindHost, strconv.Itoa(addr.Port)))
	if err != nil {
		obs.Error("forward.listen", obs.Fields{"session": s.id, "port": addr.Port, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("forward_listen").Inc()
		reply(req, false, nil)
		return
	}
	if !s.addListener(addr, ln) {
		_ = ln.Close()
		reply(req, false, nil)
		return
	}
	reply(req, true, nil)
	obs.Info("forward.bound", obs.Fields{"session": s.id, "addr": ln.Addr().String()})
	go s.serveForward(addr, ln)
}

func (s *Session) handleCancelForward(req *ssh.Request) {
	var fr forwardRequest
	if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
		reply(req, false, nil)
		return
	}
	ln := s.removeListener(tunnel.Addr{Host: fr.BindAddr, Port: int(fr.BindPort)})
	if ln == nil {
		reply(req, false, nil)
		return
	}
	_ = ln.Close()
	reply(req, true, nil)
	obs.Info("forward.cancelled", obs.Fields{"session": s.id, "port": fr.BindPort})
}

func (s *Session) serveForward(addr tunnel.Addr, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.forgetListener(addr, ln) {
				obs.Warn("forward.accept", obs.Fields{"session": s.id, "port": addr.Port, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("forward_accept").Inc()
				_ = ln.Close()
			}
			return
		}
		go s.forward(addr, c)
	}
}

func (s *Session) forward(addr tunnel.Addr, c net.Conn) {
	origin, oport := splitHostPort(c.RemoteAddr())
	payload := ssh.Marshal(&channelTarget{
		Addr:       addr.Host,
		Port:       uint32(addr.Port),
		OriginAddr: origin,
		OriginPort: oport,
	})
	ch, reqs, err := s.sshConn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		obs.Debug("forward.open", obs.Fields{"session": s.id, "port": addr.Port, "err": err.Error()})
		_ = c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	obs.ForwardedConnsTotal.Inc()
	relay(ch, c)
}

func (s *Session) handleDirect(nc ssh.NewChannel) {
	var t channelTarget
	if err := ssh.Unmarshal(nc.ExtraData(), &t); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}
	dst := tunnel.Addr{Host: t.Addr, Port: int(t.Port)}
	if !s.srv.Authorizer.CanConnect(s, dst) {
		_ = nc.Reject(ssh.Prohibited, "connect not permitted")
		return
	}
	timeout := s.srv.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	c, err := net.DialTimeout("tcp", dst.String(), timeout)
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		_ = c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	relay(ch, c)
}

// relay copies in both directions until either side stops, then closes
// both.
func relay(ch ssh.Channel, c net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = ch.Close()
			_ = c.Close()
		})
	}
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, c)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(c, ch)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	closeBoth()
}

func splitHostPort(a net.Addr) (string, uint32) {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, uint32(p)
}
