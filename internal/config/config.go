// Package config manages tapbridged configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tapbridged configuration.
type Config struct {
	Agent   AgentConfig   `koanf:"agent" yaml:"agent"`
	Control ControlConfig `koanf:"control" yaml:"control"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// AgentConfig describes the child agent process and the transmit queue
// it is bridged to.
type AgentConfig struct {
	// Path is the agent executable: a bare name resolved against PATH,
	// or a path containing a separator.
	Path string `koanf:"path" yaml:"path"`

	// Name, MAC and MTU are the -n/-a/-m hints passed to the agent on
	// spawn, and restored verbatim whenever the child exits. An empty
	// Name or MAC, or an MTU of 0, means "no hint" for that flag.
	Name string `koanf:"name" yaml:"name"`
	MAC  string `koanf:"mac" yaml:"mac"`
	MTU  uint16 `koanf:"mtu" yaml:"mtu"`

	// TxAttempts bounds per-frame NAK retries before a queued frame is
	// dropped.
	TxAttempts int `koanf:"tx_attempts" yaml:"tx_attempts"`
}

// ControlConfig holds the control-socket listener configuration.
type ControlConfig struct {
	// SocketPath is the Unix domain socket tapbridgectl connects to.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultAgentPath is the agent executable name assumed when none is
// configured, matching the reference 6LoWHAM agent's own default.
const DefaultAgentPath = "6lhagent"

// DefaultTxAttempts is the NAK retry budget assumed when none is
// configured.
const DefaultTxAttempts = 3

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Path:       DefaultAgentPath,
			TxAttempts: DefaultTxAttempts,
		},
		Control: ControlConfig{
			SocketPath: "/run/tapbridged/control.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tapbridged configuration.
// Variables are named TAPBRIDGE_<section>_<key>, e.g., TAPBRIDGE_AGENT_PATH.
const envPrefix = "TAPBRIDGE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TAPBRIDGE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file provider and loads defaults plus environment only.
//
// Environment variable mapping:
//
//	TAPBRIDGE_AGENT_PATH        -> agent.path
//	TAPBRIDGE_AGENT_TX_ATTEMPTS -> agent.tx_attempts
//	TAPBRIDGE_CONTROL_SOCKET_PATH -> control.socket_path
//	TAPBRIDGE_METRICS_ADDR      -> metrics.addr
//	TAPBRIDGE_LOG_LEVEL         -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TAPBRIDGE_AGENT_PATH -> agent.path. Only the
// first underscore separates section from key, so underscores inside a
// key survive (TAPBRIDGE_AGENT_TX_ATTEMPTS -> agent.tx_attempts).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"agent.path":          defaults.Agent.Path,
		"agent.name":          defaults.Agent.Name,
		"agent.mac":           defaults.Agent.MAC,
		"agent.mtu":           defaults.Agent.MTU,
		"agent.tx_attempts":   defaults.Agent.TxAttempts,
		"control.socket_path": defaults.Control.SocketPath,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAgentPath indicates the agent executable path is empty.
	ErrEmptyAgentPath = errors.New("agent.path must not be empty")

	// ErrInvalidTxAttempts indicates the retry budget is less than one.
	ErrInvalidTxAttempts = errors.New("agent.tx_attempts must be >= 1")

	// ErrInvalidMAC indicates the configured MAC hint is not a valid
	// EUI-48 address.
	ErrInvalidMAC = errors.New("agent.mac is not a valid MAC address")

	// ErrEmptyControlSocketPath indicates the control socket path is empty.
	ErrEmptyControlSocketPath = errors.New("control.socket_path must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Agent.Path == "" {
		return ErrEmptyAgentPath
	}
	if cfg.Agent.TxAttempts < 1 {
		return ErrInvalidTxAttempts
	}
	if cfg.Control.SocketPath == "" {
		return ErrEmptyControlSocketPath
	}
	return nil
}

// DumpYAML renders cfg back to YAML, for the daemon's -dump-config debug
// flag. Unlike Load, this goes through gopkg.in/yaml.v3 directly rather
// than koanf, since there is no provider chain to re-run here.
func DumpYAML(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
