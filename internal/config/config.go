// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/agent-relay/internal/upstream"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "AGENT_RELAY_CONFIG"

// Registry backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendNone   = "none"
)

// Config represents the complete agent-relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Pacing   PacingConfig   `yaml:"pacing" toml:"pacing"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// UpstreamConfig describes the agent service being relayed
type UpstreamConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Shape    string            `yaml:"shape" toml:"shape"`
	Framing  string            `yaml:"framing" toml:"framing"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`

	// Timeout bounds the wait for response headers, not the whole stream.
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// PacingConfig holds the minimum spacing between text deltas
type PacingConfig struct {
	MinInterval    time.Duration `yaml:"-" toml:"-"`
	MinIntervalRaw string        `yaml:"min_interval" toml:"min_interval"`
}

// RegistryConfig holds resumable stream settings
type RegistryConfig struct {
	Backend           string `yaml:"backend" toml:"backend"`
	Path              string `yaml:"path" toml:"path"`
	AbortOnDisconnect bool   `yaml:"abort_on_disconnect" toml:"abort_on_disconnect"`

	Retention     time.Duration `yaml:"-" toml:"-"`
	RestoreWindow time.Duration `yaml:"-" toml:"-"`
	PollInterval  time.Duration `yaml:"-" toml:"-"`
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RetentionRaw     string `yaml:"retention" toml:"retention"`
	RestoreWindowRaw string `yaml:"restore_window" toml:"restore_window"`
	PollIntervalRaw  string `yaml:"poll_interval" toml:"poll_interval"`
	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// DatabaseConfig holds the message store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: an explicit flag value, then
// AGENT_RELAY_CONFIG, then $XDG_CONFIG_HOME/agent-relay/relay.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "agent-relay", "relay.yaml")
}

// DataDir returns $XDG_DATA_HOME/agent-relay, falling back to ~/.local/share.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agent-relay")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Upstream.Shape == "" {
		cfg.Upstream.Shape = string(upstream.ShapeCompletions)
	}
	if cfg.Upstream.Framing == "" {
		cfg.Upstream.Framing = "lines"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 60 * time.Second
	}
	if cfg.Pacing.MinIntervalRaw == "" {
		cfg.Pacing.MinInterval = 20 * time.Millisecond
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = BackendSQLite
	}
	if cfg.Registry.Retention == 0 {
		cfg.Registry.Retention = 10 * time.Minute
	}
	if cfg.Registry.RestoreWindowRaw == "" {
		cfg.Registry.RestoreWindow = 15 * time.Second
	}
	if cfg.Registry.PollInterval == 0 {
		cfg.Registry.PollInterval = 100 * time.Millisecond
	}
	if cfg.Registry.IdleTimeout == 0 {
		cfg.Registry.IdleTimeout = 5 * time.Minute
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(DataDir(), "relay.db")
	}
	cfg.Database.Path = expandHome(cfg.Database.Path)

	switch cfg.Registry.Backend {
	case BackendSQLite:
		// The stream log shares the message database unless told otherwise.
		if cfg.Registry.Path == "" {
			cfg.Registry.Path = cfg.Database.Path
		}
	case BackendBadger:
		if cfg.Registry.Path == "" {
			cfg.Registry.Path = filepath.Join(DataDir(), "streams")
		}
	}
	cfg.Registry.Path = expandHome(cfg.Registry.Path)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream.endpoint is required")
	}
	if !strings.HasPrefix(c.Upstream.Endpoint, "http://") && !strings.HasPrefix(c.Upstream.Endpoint, "https://") {
		return fmt.Errorf("upstream.endpoint must be an http(s) URL, got %q", c.Upstream.Endpoint)
	}
	if _, err := upstream.ParseShape(c.Upstream.Shape); err != nil {
		return fmt.Errorf("upstream.shape: %w", err)
	}
	if _, err := upstream.ParseFrameMode(c.Upstream.Framing); err != nil {
		return fmt.Errorf("upstream.framing: %w", err)
	}
	if c.Pacing.MinInterval < 0 {
		return fmt.Errorf("pacing.min_interval must not be negative")
	}

	switch c.Registry.Backend {
	case BackendMemory, BackendSQLite, BackendBadger, BackendNone:
	default:
		return fmt.Errorf("registry.backend must be one of memory, sqlite, badger, none (got %q)", c.Registry.Backend)
	}
	if c.Registry.Retention <= 0 {
		return fmt.Errorf("registry.retention must be positive")
	}
	if c.Registry.PollInterval <= 0 {
		return fmt.Errorf("registry.poll_interval must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.timeout", cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
		{"pacing.min_interval", cfg.Pacing.MinIntervalRaw, &cfg.Pacing.MinInterval},
		{"registry.retention", cfg.Registry.RetentionRaw, &cfg.Registry.Retention},
		{"registry.restore_window", cfg.Registry.RestoreWindowRaw, &cfg.Registry.RestoreWindow},
		{"registry.poll_interval", cfg.Registry.PollIntervalRaw, &cfg.Registry.PollInterval},
		{"registry.idle_timeout", cfg.Registry.IdleTimeoutRaw, &cfg.Registry.IdleTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
