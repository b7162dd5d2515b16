package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Default returns a configuration populated with the built-in defaults.
// Loading a file overlays it on top of these values.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend:   "redis",
			Namespace: "vmpooler",
			DataTTL:   168,
			Redis: RedisConfig{
				Address: "localhost:6379",
			},
			SQLite: SQLiteConfig{
				Path: "warmpool.db",
			},
		},
		Engine: EngineConfig{
			TaskLimit:           10,
			CheckInterval:       15,
			Lifetime:            24,
			CloneTimeout:        15,
			DiscoveryGrace:      5,
			PoolInterval:        5 * time.Second,
			TaskInterval:        5 * time.Second,
			SupervisorInterval:  time.Second,
			MaxConcurrentChecks: 64,
			Probe: ProbeConfig{
				Kind:    "tcp",
				Port:    22,
				Timeout: 5 * time.Second,
			},
		},
		Providers: ProvidersConfig{
			Libvirt: LibvirtConfig{
				URI:       "qemu:///system",
				Timeout:   10 * time.Second,
				RetryWait: 3 * time.Second,
			},
			Dummy: DummyConfig{
				CloneDelay: 2 * time.Second,
				BootDelay:  time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Environment: tel.Environment,
			Logging:     tel.Logging,
			Tracing:     tel.Tracing,
			Metrics:     tel.Metrics,
			Events:      tel.Events,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-pool rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	names := make(map[string]string, len(c.Pools))
	for _, p := range c.Pools {
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate pool name %q", p.Name)
		}
		names[p.Name] = p.Name
	}
	for _, p := range c.Pools {
		for _, a := range p.Alias {
			if owner, taken := names[a]; taken {
				return fmt.Errorf("alias %q of pool %q collides with pool %q", a, p.Name, owner)
			}
			names[a] = p.Name
		}
	}

	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		return errors.New("store.sqlite.path is required for the sqlite backend")
	}
	return nil
}

// Pool returns the pool with the given name.
func (c *Config) Pool(name string) (Pool, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return Pool{}, false
}

// ResolvePool maps a pool name or alias to its pool.
func (c *Config) ResolvePool(nameOrAlias string) (Pool, bool) {
	if p, ok := c.Pool(nameOrAlias); ok {
		return p, true
	}
	for _, p := range c.Pools {
		for _, a := range p.Alias {
			if a == nameOrAlias {
				return p, true
			}
		}
	}
	return Pool{}, false
}

// TelemetryConfig returns a telemetry.Config for the given build version.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	tc.Logging = c.Telemetry.Logging
	tc.Tracing = c.Telemetry.Tracing
	tc.Metrics = c.Telemetry.Metrics
	tc.Events = c.Telemetry.Events
	return tc
}
