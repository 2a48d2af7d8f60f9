// Package config handles configuration loading, validation, and hot reload
// for the rating study server and its tools.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"ratingstudy/internal/control"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/session"
	"ratingstudy/internal/stimulus"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RATINGSTUDY_"

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server  ServerConfig  `toml:"server" json:"server" yaml:"server"`
	Store   StoreConfig   `toml:"store" json:"store" yaml:"store"`
	Study   StudyConfig   `toml:"study" json:"study" yaml:"study"`
	Limits  LimitsConfig  `toml:"limits" json:"limits" yaml:"limits"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig configures the participant-facing HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// StaticDir, when set, is served at / for the browser client and
	// stimulus images.
	StaticDir string `toml:"static_dir" json:"static_dir" yaml:"static_dir"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// allows same-host origins only.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	ReadHeaderTimeoutSec int `toml:"read_header_timeout_sec" json:"read_header_timeout_sec" yaml:"read_header_timeout_sec"`

	// PingIntervalSec is how often idle connections are pinged.
	PingIntervalSec int `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`

	// ShutdownTimeoutSec bounds graceful shutdown, including the final
	// save of sessions still in progress.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// StoreConfig configures the SQLite session store.
type StoreConfig struct {
	// Path is the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Secret enables HMAC signing of stored payloads. Prefer setting it
	// through RATINGSTUDY_STORE_SECRET.
	Secret string `toml:"secret" json:"secret" yaml:"secret"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// StudyConfig describes what participants see.
type StudyConfig struct {
	// Controls are the rating questions shown on every trial.
	Controls []control.Spec `toml:"controls" json:"controls" yaml:"controls"`

	// Stimulus is the face image naming scheme.
	Stimulus stimulus.Scheme `toml:"stimulus" json:"stimulus" yaml:"stimulus"`

	// ClientVersion is stamped into every payload.
	ClientVersion string `toml:"client_version" json:"client_version" yaml:"client_version"`

	// Seed fixes the trial order for every session when non-zero.
	Seed uint64 `toml:"seed" json:"seed" yaml:"seed"`

	// CompletionURL, when set, is sent in the complete frame so the client
	// can return the participant to the recruiting platform.
	CompletionURL string `toml:"completion_url" json:"completion_url,omitempty" yaml:"completion_url,omitempty"`
}

// LimitsConfig bounds what a single client can do.
type LimitsConfig struct {
	// MaxConnections caps concurrent participant connections. Zero is
	// unlimited.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// MaxConnectionsPerIP caps connections from one remote address.
	MaxConnectionsPerIP int `toml:"max_connections_per_ip" json:"max_connections_per_ip" yaml:"max_connections_per_ip"`

	// MessagesPerSecond and MessageBurst configure the per-connection
	// token bucket for client messages.
	MessagesPerSecond float64 `toml:"messages_per_second" json:"messages_per_second" yaml:"messages_per_second"`
	MessageBurst      int     `toml:"message_burst" json:"message_burst" yaml:"message_burst"`

	// MaxMessageBytes is the largest accepted client frame.
	MaxMessageBytes int64 `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the append-only audit trail. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives crash reports for recovered panics.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			Addr:                 ":8080",
			ReadHeaderTimeoutSec: 10,
			PingIntervalSec:      30,
			ShutdownTimeoutSec:   15,
		},
		Store: StoreConfig{
			Path:          filepath.Join(dir, "study.db"),
			BusyTimeoutMs: 5000,
		},
		Study: StudyConfig{
			Controls:      control.DefaultSpecs(),
			Stimulus:      stimulus.DefaultScheme(),
			ClientVersion: session.DefaultClientVersion,
		},
		Limits: LimitsConfig{
			MaxConnections:      500,
			MaxConnectionsPerIP: 4,
			MessagesPerSecond:   50,
			MessageBurst:        100,
			MaxMessageBytes:     16 * 1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "ratingstudy.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(PlatformLogDir(), "audit.log"),
			CrashDir:   filepath.Join(PlatformLogDir(), "crashes"),
		},
	}
}

// DataDir returns the base data directory. RATINGSTUDY_DATA_DIR overrides
// the platform default.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults. An empty path
// uses ConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configuration writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Store.Path)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies RATINGSTUDY_* environment variables. Numeric
// values that fail to parse are ignored.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("ADDR", &c.Server.Addr)
	str("STATIC_DIR", &c.Server.StaticDir)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_SECRET", &c.Store.Secret)
	str("CLIENT_VERSION", &c.Study.ClientVersion)
	str("COMPLETION_URL", &c.Study.CompletionURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_PATH", &c.Logging.FilePath)
	str("AUDIT_PATH", &c.Logging.AuditPath)
	num("MAX_CONNECTIONS", &c.Limits.MaxConnections)
	num("MAX_CONNECTIONS_PER_IP", &c.Limits.MaxConnectionsPerIP)

	if v := os.Getenv(EnvPrefix + "SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Study.Seed = n
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = slices.Clone(c.Server.AllowedOrigins)
	clone.Study.Controls = slices.Clone(c.Study.Controls)
	return &clone
}

// LoggingOptions converts the logging section for logging.New. It assumes
// the configuration has been validated.
func (c *Config) LoggingOptions(component string) *logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	format, _ := logging.ParseFormat(c.Logging.Format)
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  component,
	}
}

// AuditOptions returns the audit trail configuration, or nil when the
// audit trail is disabled.
func (c *Config) AuditOptions(component string) *logging.AuditConfig {
	if c.Logging.AuditPath == "" {
		return nil
	}
	return &logging.AuditConfig{
		FilePath:   c.Logging.AuditPath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     365,
		MaxBackups: 20,
		Compress:   c.Logging.Compress,
		Component:  component,
	}
}

// CrashOptions returns the crash handler configuration. An empty crash_dir
// falls back to the platform default.
func (c *Config) CrashOptions(component, version string, logger *slog.Logger) logging.CrashConfig {
	dir := c.Logging.CrashDir
	if dir == "" {
		dir = logging.DefaultCrashDir()
	}
	return logging.CrashConfig{
		Dir:       dir,
		Version:   version,
		Component: component,
		Logger:    logger,
	}
}

// BusyTimeout returns the store busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Store.BusyTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// PingInterval returns the WebSocket ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSec) * time.Second
}
