// Package config provides YAML configuration loading and validation for the
// winwatch agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/winwatch/winwatch/internal/monitor"
)

// StatusDisabled is the status_addr value that turns the status server off.
const StatusDisabled = "off"

// Config is the top-level configuration structure for the winwatch agent.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// StatusAddr is the listen address of the status HTTP server. Defaults
	// to "127.0.0.1:9100"; set it to "off" to disable the server.
	StatusAddr string `yaml:"status_addr"`

	// JournalPath is the SQLite file every observed event is appended to.
	// Optional; no journal is kept when empty.
	JournalPath string `yaml:"journal_path"`

	// AuditPath is the hash-chained trail every event is appended to.
	// Optional; the trail can be checked with "winwatch verify".
	AuditPath string `yaml:"audit_path"`

	// Forward ships every event to a central PostgreSQL database. Optional.
	Forward ForwardConfig `yaml:"forward"`

	// Relay streams every event to a remote collector over gRPC. Optional.
	Relay RelayConfig `yaml:"relay"`

	// EventStream serves a live WebSocket stream of events on
	// /events/stream. Requires the status server.
	EventStream bool `yaml:"event_stream"`

	// StatusAuth protects the status API with RS256 bearer tokens. Optional.
	StatusAuth StatusAuthConfig `yaml:"status_auth"`

	// RestartBackoff is how long the agent waits before rebuilding a monitor
	// whose wait failed. Defaults to 2s.
	RestartBackoff time.Duration `yaml:"restart_backoff"`

	// Monitors is the list of event sources the agent runs. At least one is
	// required.
	Monitors []MonitorConfig `yaml:"monitors"`
}

// ForwardConfig configures the PostgreSQL event forwarder.
type ForwardConfig struct {
	// DSN is a pgx connection string. Forwarding is off when empty.
	DSN string `yaml:"dsn"`

	// BatchSize is the number of buffered events that triggers a flush.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long an event stays buffered. Defaults to
	// 100ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RelayConfig configures the gRPC event relay.
type RelayConfig struct {
	// Addr is the collector address. Relaying is off when empty.
	Addr string `yaml:"addr"`

	// CAPath is a PEM CA bundle for verifying the collector; the system
	// roots are used when empty.
	CAPath     string `yaml:"ca_path"`
	ServerName string `yaml:"server_name"`

	// Insecure disables TLS. Loopback and testing only.
	Insecure bool `yaml:"insecure"`

	// Buffer bounds the events queued ahead of the stream. Defaults to 256.
	Buffer int `yaml:"buffer"`

	// MaxBackoff caps the reconnect delay. Defaults to 60s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// StatusAuthConfig configures bearer-token authentication for the status API.
type StatusAuthConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key. Authentication is off
	// when empty.
	PublicKeyPath string `yaml:"public_key_path"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// MonitorConfig describes one monitor instance.
type MonitorConfig struct {
	// Name identifies the monitor in logs, the journal and the status API.
	// Required and unique.
	Name string `yaml:"name"`

	// Kind is one of "file", "registry", or "process". Required.
	Kind string `yaml:"kind"`

	// Filter is the kind-specific notify filter. Defaults to "UnionChange"
	// for file and registry monitors and "Operation" for process monitors.
	Filter string `yaml:"filter"`

	// Target holds the kind-specific target keys, e.g. Path for file
	// monitors or Hive and KeyPath for registry monitors. Process monitors
	// take no target.
	Target map[string]string `yaml:"target"`

	// BatchRecords retains every record of a directory read instead of only
	// the first. File monitors only.
	BatchRecords bool `yaml:"batch_records"`

	// BufferSize overrides the directory change buffer size. File monitors
	// only.
	BufferSize int `yaml:"buffer_size"`

	// PollInterval is the process table rescan interval. Process monitors
	// only; defaults to 500ms.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validKinds is the set of accepted monitor kinds.
var validKinds = map[string]bool{
	string(monitor.KindFile):     true,
	string(monitor.KindRegistry): true,
	string(monitor.KindProcess):  true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. Every validation failure is
// reported, not only the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// StatusEnabled reports whether the status server should be started.
func (c *Config) StatusEnabled() bool {
	return c.StatusAddr != StatusDisabled
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9100"
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = 2 * time.Second
	}
	for i := range cfg.Monitors {
		m := &cfg.Monitors[i]
		if m.Filter != "" {
			continue
		}
		switch monitor.Kind(m.Kind) {
		case monitor.KindFile:
			m.Filter = string(monitor.FileUnionChange)
		case monitor.KindRegistry:
			m.Filter = string(monitor.RegistryUnionChange)
		case monitor.KindProcess:
			m.Filter = string(monitor.ProcessOperation)
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values. Filters and targets are checked by the
// monitor package so that the rules live in one place.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.RestartBackoff < 0 {
		errs = append(errs, fmt.Errorf("restart_backoff %s must not be negative", cfg.RestartBackoff))
	}
	if len(cfg.Monitors) == 0 {
		errs = append(errs, errors.New("at least one entry in monitors is required"))
	}
	if cfg.Forward.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("forward.batch_size %d must not be negative", cfg.Forward.BatchSize))
	}
	if cfg.Forward.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("forward.flush_interval %s must not be negative", cfg.Forward.FlushInterval))
	}
	if cfg.Relay.Buffer < 0 {
		errs = append(errs, fmt.Errorf("relay.buffer %d must not be negative", cfg.Relay.Buffer))
	}
	if cfg.Relay.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("relay.max_backoff %s must not be negative", cfg.Relay.MaxBackoff))
	}
	if cfg.Relay.Insecure && cfg.Relay.CAPath != "" {
		errs = append(errs, errors.New("relay.ca_path and relay.insecure are mutually exclusive"))
	}
	if cfg.EventStream && !cfg.StatusEnabled() {
		errs = append(errs, errors.New("event_stream requires the status server; status_addr is off"))
	}
	if cfg.StatusAuth.PublicKeyPath == "" && (cfg.StatusAuth.Issuer != "" || cfg.StatusAuth.Audience != "") {
		errs = append(errs, errors.New("status_auth.public_key_path is required when issuer or audience is set"))
	}

	seen := make(map[string]bool, len(cfg.Monitors))
	for i, m := range cfg.Monitors {
		prefix := fmt.Sprintf("monitors[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[m.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, m.Name))
		}
		seen[m.Name] = true

		if !validKinds[m.Kind] {
			errs = append(errs, fmt.Errorf("%s: kind %q must be one of: file, registry, process", prefix, m.Kind))
			continue
		}
		if err := m.check(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

func (m MonitorConfig) check() error {
	var errs []error
	switch monitor.Kind(m.Kind) {
	case monitor.KindFile:
		if _, err := monitor.ParseFileFilter(m.Filter); err != nil {
			errs = append(errs, err)
		}
		if _, err := monitor.ParseFileTarget(m.Target); err != nil {
			errs = append(errs, err)
		}
		if m.BufferSize < 0 {
			errs = append(errs, fmt.Errorf("buffer_size %d must not be negative", m.BufferSize))
		}
	case monitor.KindRegistry:
		if _, err := monitor.ParseRegistryFilter(m.Filter); err != nil {
			errs = append(errs, err)
		}
		if _, err := monitor.ParseRegistryTarget(m.Target); err != nil {
			errs = append(errs, err)
		}
	case monitor.KindProcess:
		if _, err := monitor.ParseProcessFilter(m.Filter); err != nil {
			errs = append(errs, err)
		}
		if len(m.Target) > 0 {
			errs = append(errs, errors.New("process monitors take no target"))
		}
		if m.PollInterval < 0 {
			errs = append(errs, fmt.Errorf("poll_interval %s must not be negative", m.PollInterval))
		}
	}
	return errors.Join(errs...)
}
