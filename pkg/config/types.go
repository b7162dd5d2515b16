package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warmpool/warmpool/pkg/telemetry"
)

// Config is the root of a warmpool configuration file.
type Config struct {
	// Store selects and configures the inventory store backend.
	Store StoreConfig `yaml:"store"`

	// Engine holds the reconciliation tunables shared by every pool.
	Engine EngineConfig `yaml:"engine"`

	// Providers holds per-kind provider connection settings.
	Providers ProvidersConfig `yaml:"providers"`

	// Pools lists the warm pools to maintain.
	Pools []Pool `yaml:"pools" validate:"dive"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the inventory store.
type StoreConfig struct {
	// Backend is either "redis" or "sqlite".
	Backend string `yaml:"backend" validate:"required,oneof=redis sqlite"`

	// Namespace prefixes every key written to the store.
	Namespace string `yaml:"namespace" validate:"required"`

	// DataTTL is how many hours a destroyed VM's record is retained.
	DataTTL int `yaml:"data_ttl" validate:"gte=0"`

	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address  string `yaml:"address" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds global reconciliation settings.
type EngineConfig struct {
	// TaskLimit caps concurrent clone operations across all pools.
	TaskLimit int `yaml:"task_limit" validate:"gte=1"`

	// CheckInterval is the vm_checktime throttle for ready-VM health checks, in minutes.
	CheckInterval int `yaml:"vm_checktime" validate:"gte=0"`

	// Lifetime is the default running ttl in hours when a pool sets none.
	Lifetime int `yaml:"vm_lifetime" validate:"gte=0"`

	// CloneTimeout is the default pending timeout in minutes.
	CloneTimeout int `yaml:"timeout" validate:"gte=1"`

	// Prefix is prepended to generated VM names.
	Prefix string `yaml:"prefix"`

	// DiscoveryGrace is how many minutes an unclaimed discovered VM is left alone
	// before it is marked for destruction. Zero moves it on the tick it is found.
	DiscoveryGrace int `yaml:"discovery_grace" validate:"gte=0"`

	PoolInterval       time.Duration `yaml:"pool_interval" validate:"gt=0"`
	TaskInterval       time.Duration `yaml:"task_interval" validate:"gt=0"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval" validate:"gt=0"`

	// MaxConcurrentChecks bounds in-flight per-VM checks and destroys per pool.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks" validate:"gte=1"`

	Probe ProbeConfig `yaml:"probe"`
}

// ProbeConfig selects how VM reachability is tested.
type ProbeConfig struct {
	// Kind is tcp, ssh, or none. none treats every VM as reachable and suits
	// the dummy provider.
	Kind       string        `yaml:"kind" validate:"oneof=tcp ssh none"`
	Port       int           `yaml:"port" validate:"gte=1,lte=65535"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	User       string        `yaml:"user" validate:"required_if=Kind ssh"`
	PrivateKey string        `yaml:"private_key" validate:"required_if=Kind ssh"`

	// KnownHosts is an optional known_hosts file. Without it host keys are not verified.
	KnownHosts string `yaml:"known_hosts"`
}

// ProvidersConfig carries settings for each provider kind.
type ProvidersConfig struct {
	Libvirt LibvirtConfig `yaml:"libvirt"`
	Dummy   DummyConfig   `yaml:"dummy"`
}

// LibvirtConfig configures the libvirt provider.
type LibvirtConfig struct {
	// URI is a libvirt connection URI such as qemu:///system or qemu+tcp://host/system.
	URI string `yaml:"uri"`

	// Timeout bounds dialing the libvirt daemon.
	Timeout time.Duration `yaml:"timeout"`

	// RetryWait is the pause between failed connection attempts.
	RetryWait time.Duration `yaml:"retry_wait"`
}

// DummyConfig configures the simulated provider.
type DummyConfig struct {
	CloneDelay time.Duration `yaml:"clone_delay"`

	// BootDelay is how long a fresh clone stays unreachable.
	BootDelay time.Duration `yaml:"boot_delay"`
	FailRate  float64       `yaml:"fail_rate" validate:"gte=0,lte=1"`
}

// TelemetryConfig mirrors telemetry.Config in file form.
type TelemetryConfig struct {
	Environment string                  `yaml:"environment"`
	Logging     telemetry.LoggingConfig `yaml:"logging"`
	Tracing     telemetry.TracingConfig `yaml:"tracing"`
	Metrics     telemetry.MetricsConfig `yaml:"metrics"`
	Events      telemetry.EventsConfig  `yaml:"events"`
}

// Pool describes one warm pool.
type Pool struct {
	Name     string  `yaml:"name" validate:"required"`
	Alias    Aliases `yaml:"alias,omitempty"`
	Provider string  `yaml:"provider" validate:"required,oneof=libvirt dummy"`

	// Template is the provider-side source the pool clones from.
	Template string `yaml:"template"`

	// Size is the number of warm VMs to keep.
	Size int `yaml:"size" validate:"gte=0"`

	// Timeout is the pending timeout in minutes. Zero uses the engine default.
	Timeout int `yaml:"timeout" validate:"gte=0"`

	// TTL is the running ttl in hours. Unset uses the engine lifetime; zero never expires.
	TTL *int `yaml:"ttl,omitempty" validate:"omitempty,gte=0"`

	// ReadyTTL is the maximum minutes a VM may sit ready. Zero disables it.
	ReadyTTL int `yaml:"ready_ttl" validate:"gte=0"`

	Datastore   string `yaml:"datastore"`
	Folder      string `yaml:"folder"`
	Region      string `yaml:"region"`
	MachineType string `yaml:"machine_type"`
}

// CloneTimeout returns the pending timeout for the pool.
func (p Pool) CloneTimeout(e EngineConfig) time.Duration {
	if p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Minute
	}
	return time.Duration(e.CloneTimeout) * time.Minute
}

// RunningTTL returns the checkout lifetime for the pool. Zero means no expiry.
func (p Pool) RunningTTL(e EngineConfig) time.Duration {
	if p.TTL != nil {
		return time.Duration(*p.TTL) * time.Hour
	}
	return time.Duration(e.Lifetime) * time.Hour
}

// ReadyLifetime returns the ready ttl. Zero means no expiry.
func (p Pool) ReadyLifetime() time.Duration {
	return time.Duration(p.ReadyTTL) * time.Minute
}

// Aliases accepts either a single string or a list in YAML.
type Aliases []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Aliases) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*a = Aliases{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*a = list
		return nil
	default:
		return fmt.Errorf("alias must be a string or a list of strings (line %d)", value.Line)
	}
}
