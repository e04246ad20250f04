package main

import (
	"github.com/urfave/cli/v2"

	"github.com/matst80/portbroker/internal/config"
)

// flagKeys maps command-line flags to configuration keys. A flag only
// overrides the file and environment when it is set explicitly.
var flagKeys = map[string]string{
	"bind":         "ssh.bind",
	"ssh-port":     "ssh.port",
	"host-key":     "ssh.hostkey",
	"lower-port":   "pool.lower",
	"higher-port":  "pool.higher",
	"idle-timeout": "idle.timeout",
	"sweep":        "idle.sweep",
	"api":          "api.addr",
	"redis":        "redis.addr",
	"redis-db":     "redis.db",
	"redis-prefix": "redis.prefix",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"PORTBROKER_CONFIG"}},
		&cli.StringFlag{Name: "bind", Usage: "address the SSH endpoint and leased ports bind on"},
		&cli.IntFlag{Name: "ssh-port", Usage: "SSH listen port"},
		&cli.StringFlag{Name: "host-key", Usage: "host key path, generated when missing"},
		&cli.IntFlag{Name: "lower-port", Usage: "first port of the lease pool"},
		&cli.IntFlag{Name: "higher-port", Usage: "last port of the lease pool"},
		&cli.Int64Flag{Name: "idle-timeout", Usage: "milliseconds a lease may stay unbound before it is reclaimed"},
		&cli.DurationFlag{Name: "sweep", Usage: "idle sweep interval"},
		&cli.StringFlag{Name: "api", Usage: "control API listen address"},
		&cli.StringFlag{Name: "redis", Usage: "Redis address for the lease mirror; empty disables it"},
		&cli.IntFlag{Name: "redis-db", Usage: "Redis database"},
		&cli.StringFlag{Name: "redis-prefix", Usage: "Redis key prefix"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "json or text"},
		&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
	}
}

// loadConfig merges the configuration file, environment and explicitly set
// flags.
func loadConfig(c *cli.Context) (config.Config, error) {
	o := config.Overrides{}
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			o.Set(key, c.Value(flag))
		}
	}
	if c.Bool("debug") {
		o.Set("log.level", "debug")
	}
	return config.Load(c.String("config"), o)
}
