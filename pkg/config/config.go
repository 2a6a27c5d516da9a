// Package config provides configuration structures and loading logic for the bridge.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/polisai/vivado-bridge/pkg/artifacts"
	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/process"
	"github.com/polisai/vivado-bridge/pkg/session"
	"github.com/polisai/vivado-bridge/pkg/toolchain"
)

// Config holds the global configuration for the bridge.
type Config struct {
	Toolchain toolchain.Config `yaml:"toolchain" json:"toolchain" toml:"toolchain"`
	Process   ProcessConfig    `yaml:"process" json:"process" toml:"process"`
	Session   session.Config   `yaml:"session" json:"session" toml:"session"`
	Build     build.Config     `yaml:"build" json:"build" toml:"build"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging" toml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry" json:"telemetry" toml:"telemetry"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy" toml:"policy"`
	Artifacts artifacts.Config `yaml:"artifacts" json:"artifacts" toml:"artifacts"`
	Server    ServerConfig     `yaml:"server" json:"server" toml:"server"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-" json:"-" toml:"-"`
}

// ProcessConfig holds batch runner settings.
type ProcessConfig struct {
	MaxOutputBytes int           `yaml:"max_output_bytes" json:"max_output_bytes" toml:"max_output_bytes"`
	WaitDelay      time.Duration `yaml:"wait_delay" json:"wait_delay" toml:"wait_delay"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty" toml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" json:"service_name" toml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint" json:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure" json:"insecure" toml:"insecure"`
	Headers      map[string]string `yaml:"headers" json:"headers" toml:"headers"`
	SampleRatio  float64           `yaml:"sample_ratio" json:"sample_ratio" toml:"sample_ratio"`
}

// PolicyConfig points at an optional Rego module.
type PolicyConfig struct {
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ServerConfig holds configuration for the optional HTTP endpoint.
type ServerConfig struct {
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" toml:"metrics_address"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Process: ProcessConfig{
			MaxOutputBytes: process.DefaultMaxOutputBytes,
			WaitDelay:      process.DefaultWaitDelay,
		},
		Session: session.DefaultConfig(),
		Build:   build.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vivado-bridge",
		},
	}
}

// Extensions tried by Discover, in order.
var Extensions = []string{".yaml", ".yml", ".json", ".toml"}

// Load reads configuration from path, or from the first discovered file
// when path is empty, and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		if found, ok := Discover(); ok {
			path = found
		}
	}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.Source = path
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("failed to parse config file %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml", ".json":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return nil
}

// Discover returns the first existing config file among ./vivado-bridge,
// ./.vivado-bridge, ~/.config/vivado-bridge/config and ~/.vivado-bridge.
func Discover() (string, bool) {
	home, _ := os.UserHomeDir()
	return discover(candidateBases(".", home))
}

func candidateBases(dir, home string) []string {
	bases := []string{
		filepath.Join(dir, "vivado-bridge"),
		filepath.Join(dir, ".vivado-bridge"),
	}
	if home != "" {
		bases = append(bases,
			filepath.Join(home, ".config", "vivado-bridge", "config"),
			filepath.Join(home, ".vivado-bridge"),
		)
	}
	return bases
}

func discover(bases []string) (string, bool) {
	for _, base := range bases {
		for _, ext := range Extensions {
			candidate := base + ext
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate, true
			}
		}
	}
	return "", false
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("VIVADO_PATH"); val != "" {
		cfg.Toolchain.InstallPath = toolchain.ExpandHome(val)
	}
	if val := os.Getenv("VIVADO_VERSION"); val != "" {
		cfg.Toolchain.Version = val
	}
	if val := os.Getenv("VIVADO_SEARCH_PATHS"); val != "" {
		cfg.Toolchain.SearchPaths = append(cfg.Toolchain.SearchPaths, toolchain.ParseSearchPaths(val)...)
	}

	if val := os.Getenv("VIVADO_BRIDGE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("VIVADO_BRIDGE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("VIVADO_BRIDGE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("VIVADO_BRIDGE_POLICY"); val != "" {
		cfg.Policy.Path = val
	}

	if val := os.Getenv("VIVADO_BRIDGE_ARTIFACTS_ACCESS_KEY"); val != "" {
		cfg.Artifacts.AccessKey = val
	}
	if val := os.Getenv("VIVADO_BRIDGE_ARTIFACTS_SECRET_KEY"); val != "" {
		cfg.Artifacts.SecretKey = val
	}
}

// Validate performs validation of the entire configuration. Every error
// matches domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	sections := []struct {
		name  string
		check func() error
	}{
		{"process", c.Process.Validate},
		{"session", c.validateSession},
		{"build", c.validateBuild},
		{"logging", c.Logging.Validate},
		{"telemetry", c.Telemetry.Validate},
		{"policy", c.Policy.Validate},
		{"artifacts", c.Artifacts.Validate},
	}
	for _, s := range sections {
		if err := s.check(); err != nil {
			return fmt.Errorf("%w: %s configuration: %w", domain.ErrConfigInvalid, s.name, err)
		}
	}
	return nil
}

// Validate performs validation of process configuration
func (c *ProcessConfig) Validate() error {
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive, got %d", c.MaxOutputBytes)
	}
	if c.WaitDelay < 0 {
		return errors.New("wait_delay must not be negative")
	}
	return nil
}

func (c *Config) validateSession() error {
	s := c.Session
	for name, d := range map[string]time.Duration{
		"startup_timeout": s.StartupTimeout,
		"command_timeout": s.CommandTimeout,
		"close_grace":     s.CloseGrace,
		"idle_timeout":    s.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	_, err := session.DialectByName(s.Dialect)
	return err
}

func (c *Config) validateBuild() error {
	b := c.Build
	if b.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", b.Jobs)
	}
	if b.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if b.WatchDebounce < 0 {
		return errors.New("watch_debounce must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate checks the sample ratio.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %g", c.SampleRatio)
	}
	return nil
}

// Validate checks that a configured policy file is readable.
func (c *PolicyConfig) Validate() error {
	if c.Path == "" {
		return nil
	}
	c.Path = toolchain.ExpandHome(c.Path)
	f, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("policy file unreadable: %w", err)
	}
	return f.Close()
}
