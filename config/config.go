// Package config handles pktcount configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags and environment variables override at runtime (handled by CLI layer)
//
// This ensures a valid configuration is always available, even when no
// config file exists. The TOML decoder only sets fields present in the
// file, leaving unspecified fields at their default values.
//
// If the config file exists but is invalid, Load returns an error rather
// than silently falling back to defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-pktcount"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is the default path to the pktcount config file.
	DefaultConfigPath = "/etc/pktcount/pktcount.toml"
)

// Config is the top-level pktcount configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Attach  AttachConfig  `toml:"attach"`
	Control ControlConfig `toml:"control"`
	Server  ServerConfig  `toml:"server"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,manager=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string.
// If Level is set, it takes precedence. Otherwise, Components are used.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	names := make([]string, 0, len(c.Components))
	for component := range c.Components {
		names = append(names, component)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, "info")
	for _, component := range names {
		parts = append(parts, component+"="+c.Components[component])
	}
	return strings.Join(parts, ",")
}

// AttachConfig controls how the counter program is attached.
type AttachConfig struct {
	Mode    string `toml:"mode"`
	Policy  string `toml:"policy"`
	Backend string `toml:"backend"`
	// PinMap pins the counter map on bpffs so that unprivileged readers
	// can open it.
	PinMap bool `toml:"pin_map"`
	// Object is an optional path to an ELF object replacing the
	// built-in program.
	Object string `toml:"object"`
}

// ControlConfig controls the read loop and attach retries.
type ControlConfig struct {
	Interval      Duration `toml:"interval"`
	AttachRetries int      `toml:"attach_retries"`
	RetryBackoff  Duration `toml:"retry_backoff"`
}

// ServerConfig controls the control surfaces.
type ServerConfig struct {
	// GRPCSocket overrides the default socket under the runtime dirs.
	GRPCSocket string `toml:"grpc_socket"`
	// HTTPAddress is the listen address of the HTTP API and metrics.
	// Empty disables HTTP.
	HTTPAddress string `toml:"http_address"`
}

// Duration is a time.Duration that decodes from strings like "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the default configuration from the embedded default.toml.
// This provides a valid baseline that is always available.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time and covered by tests.
		panic(fmt.Sprintf("DefaultConfig: %v", err))
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := pktcount.ParseAttachMode(c.Attach.Mode); err != nil {
		errs = append(errs, fmt.Errorf("attach.mode: %w", err))
	}
	if _, err := pktcount.ParseAttachPolicy(c.Attach.Policy); err != nil {
		errs = append(errs, fmt.Errorf("attach.policy: %w", err))
	}
	if _, err := pktcount.ParseBackend(c.Attach.Backend); err != nil {
		errs = append(errs, fmt.Errorf("attach.backend: %w", err))
	}
	if c.Control.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("control.interval must be positive, got %s", c.Control.Interval))
	}
	if c.Control.AttachRetries < 0 {
		errs = append(errs, fmt.Errorf("control.attach_retries must not be negative, got %d", c.Control.AttachRetries))
	}
	if c.Control.RetryBackoff.Duration < 0 {
		errs = append(errs, fmt.Errorf("control.retry_backoff must not be negative, got %s", c.Control.RetryBackoff))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
