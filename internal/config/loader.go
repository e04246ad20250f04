package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. PORTBROKER_SSH_PORT
// sets ssh.port.
const EnvPrefix = "PORTBROKER_"

// Overrides holds values that win over every other source, keyed by dotted
// path such as "pool.lower".
type Overrides map[string]any

// Set stores v under the dotted key.
func (o Overrides) Set(key string, v any) {
	parts := strings.Split(key, ".")
	m := map[string]any(o)
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

var errReadBytes = errors.New("config: overrides provide a map, not bytes")

// overridesProvider feeds Overrides to koanf.
type overridesProvider map[string]any

func (overridesProvider) ReadBytes() ([]byte, error) { return nil, errReadBytes }

func (p overridesProvider) Read() (map[string]any, error) { return p, nil }

// Load builds a validated Config. path may be empty.
func Load(path string, overrides Overrides) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(overridesProvider(overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
