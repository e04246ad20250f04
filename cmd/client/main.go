// Command client leases ports from a portbroker and keeps reverse tunnels
// to local services open.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matst80/portbroker/internal/obs"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "portbroker-client",
		Usage: "lease ports and run reverse tunnels through a portbroker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "broker control API address",
				EnvVars: []string{"PORTBROKER_API"},
				Value:   "http://127.0.0.1:9100",
			},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logs"},
		},
		Before: func(c *cli.Context) error {
			obs.EnableDebug(c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			leaseCommand(),
			releaseCommand(),
			removeCommand(),
			statusCommand(),
			portsCommand(),
			connectCommand(),
		},
	}
}

func apiFrom(c *cli.Context) *apiClient { return newAPIClient(c.String("api")) }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func leaseCommand() *cli.Command {
	return &cli.Command{
		Name:      "lease",
		Usage:     "lease a port for a token, or show the one it holds",
		ArgsUsage: "<token>",
		Action: func(c *cli.Context) error {
			token := c.Args().First()
			if token == "" {
				return cli.Exit("token required", 2)
			}
			port, err := apiFrom(c).Lease(c.Context, token)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, port)
			return nil
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:      "release",
		Usage:     "release a port and close the session bound to it",
		ArgsUsage: "<port>",
		Action: func(c *cli.Context) error {
			port, err := strconv.Atoi(c.Args().First())
			if err != nil {
				return cli.Exit("numeric port required", 2)
			}
			return apiFrom(c).Release(c.Context, port)
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "drop a token's lease and close its session",
		ArgsUsage: "<token>",
		Action: func(c *cli.Context) error {
			token := c.Args().First()
			if token == "" {
				return cli.Exit("token required", 2)
			}
			return apiFrom(c).Remove(c.Context, token)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show pool usage",
		Action: func(c *cli.Context) error {
			st, err := apiFrom(c).Status(c.Context)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, st)
		},
	}
}

func portsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "list every lease",
		Action: func(c *cli.Context) error {
			ports, err := apiFrom(c).Ports(c.Context)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, ports)
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "expose a local service on the token's leased port",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "broker SSH address", Value: "127.0.0.1:2222"},
			&cli.StringFlag{Name: "token", Usage: "tenant token", Required: true, EnvVars: []string{"PORTBROKER_TOKEN"}},
			&cli.IntFlag{Name: "port", Usage: "leased port; leased through the API when omitted"},
			&cli.StringFlag{Name: "target", Usage: "local address to expose", Value: "127.0.0.1:3000"},
			&cli.StringFlag{Name: "fingerprint", Usage: "expected SHA256 host key fingerprint"},
			&cli.DurationFlag{Name: "retry", Usage: "delay before reconnecting", Value: 2 * time.Second},
		},
		Action: func(c *cli.Context) error {
			tc := tunnelConfig{
				Server:      c.String("server"),
				Token:       c.String("token"),
				Port:        c.Int("port"),
				Target:      c.String("target"),
				Fingerprint: c.String("fingerprint"),
				Retry:       c.Duration("retry"),
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if tc.Port == 0 {
				port, err := apiFrom(c).Lease(ctx, tc.Token)
				if err != nil {
					return err
				}
				tc.Port = port
			}
			return runTunnel(ctx, tc)
		},
	}
}
