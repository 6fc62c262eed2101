package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`

	// DevMode is set from TAILOR_DEV_MODE=true.
	DevMode bool `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	StreamHeartbeat Duration `yaml:"stream_heartbeat"`
	StatsInterval   Duration `yaml:"stats_interval"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains token issuing settings.
type AuthConfig struct {
	SigningKey string   `yaml:"-"` // env-only, never in YAML
	TokenTTL   Duration `yaml:"token_ttl"`
	RefreshTTL Duration `yaml:"refresh_ttl"`
}

// ClientConfig contains settings for the client commands.
type ClientConfig struct {
	BackendURL    string   `yaml:"backend_url"`
	AuthTimeout   Duration `yaml:"auth_timeout"`
	RefreshMargin Duration `yaml:"refresh_margin"`
	CustomToken   string   `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, sends logs to a size-rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads the server configuration with precedence:
// defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig loads the configuration for client commands. It does
// not require a signing key.
func LoadClientConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.Client.BackendURL == "" {
		return nil, errors.New("client.backend_url is required")
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TAILOR_CONFIG_PATH", "config/tailor.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			StreamHeartbeat: Duration(15 * time.Second),
			StatsInterval:   Duration(1 * time.Minute),
		},
		Database: DatabaseConfig{
			Path: "data/tailor.db",
		},
		Auth: AuthConfig{
			TokenTTL:   Duration(1 * time.Hour),
			RefreshTTL: Duration(720 * time.Hour),
		},
		Client: ClientConfig{
			BackendURL:    "http://localhost:8080",
			AuthTimeout:   Duration(30 * time.Second),
			RefreshMargin: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("TAILOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	setDuration(&cfg.Server.ReadTimeout, "TAILOR_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "TAILOR_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "TAILOR_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.StreamHeartbeat, "TAILOR_STREAM_HEARTBEAT")
	setDuration(&cfg.Server.StatsInterval, "TAILOR_STATS_INTERVAL")

	// Database
	if v := os.Getenv("TAILOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("TAILOR_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	setDuration(&cfg.Auth.TokenTTL, "TAILOR_TOKEN_TTL")
	setDuration(&cfg.Auth.RefreshTTL, "TAILOR_REFRESH_TTL")

	// Client
	if v := os.Getenv("TAILOR_BACKEND_URL"); v != "" {
		cfg.Client.BackendURL = v
	}
	if v := os.Getenv("TAILOR_CUSTOM_TOKEN"); v != "" {
		cfg.Client.CustomToken = v
	}
	setDuration(&cfg.Client.AuthTimeout, "TAILOR_AUTH_TIMEOUT")
	setDuration(&cfg.Client.RefreshMargin, "TAILOR_REFRESH_MARGIN")

	// Log
	if v := os.Getenv("TAILOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TAILOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TAILOR_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	cfg.DevMode = os.Getenv("TAILOR_DEV_MODE") == "true"
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that required configuration values are set.
// In dev mode a missing signing key is replaced by a random per-process key.
func (c *Config) validate() error {
	if c.Auth.SigningKey == "" {
		if !c.DevMode {
			return errors.New("TAILOR_SIGNING_KEY is required")
		}
		key, err := randomKey()
		if err != nil {
			return fmt.Errorf("generate dev signing key: %w", err)
		}
		c.Auth.SigningKey = key
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("auth token lifetimes must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
