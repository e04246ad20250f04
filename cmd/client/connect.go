package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/portbroker/internal/obs"
)

// tunnelConfig describes one reverse tunnel.
type tunnelConfig struct {
	Server      string
	Token       string
	Port        int
	Target      string
	Fingerprint string
	Retry       time.Duration
}

func (tc tunnelConfig) hostKeyCallback() ssh.HostKeyCallback {
	if tc.Fingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		if got := ssh.FingerprintSHA256(key); got != tc.Fingerprint {
			return fmt.Errorf("host key fingerprint %s does not match %s", got, tc.Fingerprint)
		}
		return nil
	}
}

// runTunnel keeps the tunnel up, reconnecting after Retry whenever the
// session ends, until ctx is done.
func runTunnel(ctx context.Context, tc tunnelConfig) error {
	obs.Info("client.start", obs.Fields{"server": tc.Server, "port": tc.Port, "target": tc.Target})
	for {
		err := runOnce(ctx, tc)
		if ctx.Err() != nil {
			return nil
		}
		obs.Warn("client.session.ended", obs.Fields{"err": fmt.Sprint(err)})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tc.Retry):
		}
		obs.Info("client.reconnecting", obs.Fields{})
	}
}

// runOnce holds a single SSH session open and serves forwarded connections
// until the session ends or ctx is done.
func runOnce(ctx context.Context, tc tunnelConfig) error {
	client, err := ssh.Dial("tcp", tc.Server, &ssh.ClientConfig{
		User:            tc.Token,
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: tc.hostKeyCallback(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", tc.Server, err)
	}
	defer client.Close()

	ln, err := client.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(tc.Port)))
	if err != nil {
		return fmt.Errorf("request port %d: %w", tc.Port, err)
	}
	defer ln.Close()
	obs.Info("client.registered", obs.Fields{"port": tc.Port})

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("session closed by broker")
			}
			return err
		}
		go handleForwarded(c, tc.Target)
	}
}

func handleForwarded(remote net.Conn, target string) {
	local, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		obs.Warn("client.dial_target", obs.Fields{"target": target, "err": err.Error()})
		_ = remote.Close()
		return
	}
	var once sync.Once
	closeBoth := func() { _ = local.Close(); _ = remote.Close() }
	copyFn := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	go copyFn(local, remote)
	go copyFn(remote, local)
}
