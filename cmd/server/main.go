// Command server runs the port broker: an SSH endpoint that hands out
// reverse tunnels on leased ports, plus its HTTP control API.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/matst80/portbroker/internal/api"
	"github.com/matst80/portbroker/internal/broker"
	"github.com/matst80/portbroker/internal/mirror"
	"github.com/matst80/portbroker/internal/obs"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "portbroker",
		Usage:   "multi-tenant SSH reverse tunnel broker",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags:   serverFlags(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	obs.Configure(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	obs.Info("server.start", obs.Fields{
		"ssh":         cfg.SSHAddr(),
		"api":         cfg.API.Addr,
		"lower_port":  cfg.Pool.Lower,
		"higher_port": cfg.Pool.Higher,
		"redis":       cfg.Redis.Addr != "",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []broker.Option
	var m *mirror.Mirror
	if cfg.Redis.Addr != "" {
		m, err = mirror.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		defer m.Close()
		opts = append(opts, broker.WithObserver(m))
	}

	b, err := broker.New(cfg, opts...)
	if err != nil {
		return err
	}

	apiLn, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listen api %s: %w", cfg.API.Addr, err)
	}
	apiDone := make(chan error, 1)
	go func() { apiDone <- api.Serve(ctx, apiLn, b) }()

	mirrorDone := make(chan struct{})
	if m != nil {
		go func() {
			_ = m.Run(ctx)
			close(mirrorDone)
		}()
	} else {
		close(mirrorDone)
	}

	if err := b.Start(ctx); err != nil {
		stop()
		<-apiDone
		<-mirrorDone
		return err
	}
	obs.Info("server.ready", obs.Fields{})

	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Wait() }()

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-brokerDone:
		obs.Error("server.broker", obs.Fields{"err": fmt.Sprint(err)})
	}
	stop()
	stopErr := b.Stop()
	if err := <-apiDone; err != nil {
		obs.Error("server.api.shutdown", obs.Fields{"err": err.Error()})
	}
	<-mirrorDone
	obs.Info("server.shutdown.complete", obs.Fields{})
	return stopErr
}
