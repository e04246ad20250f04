// Package config loads the broker's startup configuration.
//
// Sources, later ones winning: built-in defaults, an optional YAML file,
// PORTBROKER_ environment variables, and command-line overrides. The result
// is validated once and never changes while the broker runs.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	ErrInvalidPort        = errors.New("config: port out of range 1..65535")
	ErrInvertedRange      = errors.New("config: lower port greater than higher port")
	ErrSSHPortInPool      = errors.New("config: ssh port inside the lease pool")
	ErrNonPositiveTimeout = errors.New("config: timeouts must be positive")
)

type SSH struct {
	Bind      string        `koanf:"bind"`
	Port      int           `koanf:"port"`
	HostKey   string        `koanf:"hostkey"`
	Handshake time.Duration `koanf:"handshake"`
}

type Pool struct {
	Lower  int `koanf:"lower"`
	Higher int `koanf:"higher"`
}

type Idle struct {
	// Timeout is in milliseconds.
	Timeout int64         `koanf:"timeout"`
	Sweep   time.Duration `koanf:"sweep"`
}

type API struct {
	Addr string `koanf:"addr"`
}

// Redis configures the lease mirror. An empty Addr disables it.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type Config struct {
	SSH   SSH   `koanf:"ssh"`
	Pool  Pool  `koanf:"pool"`
	Idle  Idle  `koanf:"idle"`
	API   API   `koanf:"api"`
	Redis Redis `koanf:"redis"`
	Log   Log   `koanf:"log"`
}

// Default returns the built-in configuration. The pool bounds have no
// sensible default and must be supplied.
func Default() Config {
	return Config{
		SSH: SSH{
			Bind:      "0.0.0.0",
			Port:      2222,
			HostKey:   "data/ssh_host_ed25519_key",
			Handshake: 30 * time.Second,
		},
		Idle: Idle{
			Timeout: 600000,
			Sweep:   30 * time.Second,
		},
		API:   API{Addr: "127.0.0.1:9100"},
		Redis: Redis{Prefix: "portbroker:"},
		Log:   Log{Level: "info", Format: "json"},
	}
}

// IdleTimeout is Idle.Timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Idle.Timeout) * time.Millisecond
}

// SSHAddr is the listen address of the SSH endpoint.
func (c Config) SSHAddr() string {
	return net.JoinHostPort(c.SSH.Bind, strconv.Itoa(c.SSH.Port))
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func (c Config) Validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"ssh.port", c.SSH.Port},
		{"pool.lower", c.Pool.Lower},
		{"pool.higher", c.Pool.Higher},
	}
	for _, p := range ports {
		if !validPort(p.port) {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPort, p.name, p.port)
		}
	}
	if c.Pool.Lower > c.Pool.Higher {
		return fmt.Errorf("%w: %d > %d", ErrInvertedRange, c.Pool.Lower, c.Pool.Higher)
	}
	if c.SSH.Port >= c.Pool.Lower && c.SSH.Port <= c.Pool.Higher {
		return fmt.Errorf("%w: %d in [%d, %d]", ErrSSHPortInPool, c.SSH.Port, c.Pool.Lower, c.Pool.Higher)
	}
	if c.Idle.Timeout <= 0 || c.Idle.Sweep <= 0 || c.SSH.Handshake <= 0 {
		return ErrNonPositiveTimeout
	}
	return nil
}
