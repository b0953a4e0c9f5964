// Package config provides Viper-based configuration loading for the Pulse relay server.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadHeaderTimeout bounds how long reading request headers may take.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Supported storage backends.
const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// StorageConfig selects and configures the credential store backend.
type StorageConfig struct {
	// Backend is the store implementation: "postgres" or "memory".
	Backend string `mapstructure:"backend"`
	// Database holds PostgreSQL settings, used when Backend is "postgres".
	Database DatabaseConfig `mapstructure:"database"`
}

// AuthConfig holds relay and admin authentication settings.
type AuthConfig struct {
	// APIKey is the shared key clients present on /connect and /send.
	APIKey string `mapstructure:"api_key"`
	// AdminKeyHash is the bcrypt hash of the admin key accepted by /ui/login.
	AdminKeyHash string `mapstructure:"admin_key_hash"`
	// SessionSecret signs admin session cookies.
	SessionSecret string `mapstructure:"session_secret"`
	// SessionTTL is the admin session cookie lifetime.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// EncryptionConfig holds at-rest encryption settings for stored credentials.
type EncryptionConfig struct {
	// Key is the hex-encoded 32-byte AES-256 key.
	Key string `mapstructure:"key"`
}

// KeyBytes decodes the hex-encoded encryption key.
//
// Postcondition: Returns exactly 32 bytes or a non-nil error.
func (e EncryptionConfig) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(e.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// OpenCloudConfig holds settings for the external platform messaging endpoint.
type OpenCloudConfig struct {
	// BaseURL is the messaging service base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds a single outbound publish call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RelayConfig holds per-connection websocket settings.
type RelayConfig struct {
	// WriteWait is the per-frame write deadline.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is the read deadline extended on each pong.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// MaxMessageSize is the inbound frame size limit in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the outbound frame queue depth per connection.
	SendBuffer int `mapstructure:"send_buffer"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	OpenCloud  OpenCloudConfig  `mapstructure:"opencloud"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateEncryption(c.Encryption); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateOpenCloud(c.OpenCloud); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadHeaderTimeout < 0 {
		errs = append(errs, "server.read_header_timeout must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Backend {
	case StorageBackendMemory:
		return nil
	case StorageBackendPostgres:
		return validateDatabase(s.Database)
	default:
		return fmt.Errorf("storage.backend must be one of [postgres, memory], got %q", s.Backend)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "storage.database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("storage.database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "storage.database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "storage.database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("storage.database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("storage.database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("storage.database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "storage.database.min_conns must not exceed storage.database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if a.APIKey == "" {
		errs = append(errs, "auth.api_key must not be empty")
	}
	if a.AdminKeyHash == "" {
		errs = append(errs, "auth.admin_key_hash must not be empty")
	}
	if a.SessionSecret == "" {
		errs = append(errs, "auth.session_secret must not be empty")
	}
	if a.SessionTTL <= 0 {
		errs = append(errs, "auth.session_ttl must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateEncryption(e EncryptionConfig) error {
	if _, err := e.KeyBytes(); err != nil {
		return fmt.Errorf("encryption.key invalid: %v", err)
	}
	return nil
}

func validateOpenCloud(o OpenCloudConfig) error {
	var errs []string
	if o.BaseURL == "" {
		errs = append(errs, "opencloud.base_url must not be empty")
	}
	if o.Timeout <= 0 {
		errs = append(errs, "opencloud.timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.WriteWait <= 0 {
		errs = append(errs, "relay.write_wait must be positive")
	}
	if r.PongWait <= 0 {
		errs = append(errs, "relay.pong_wait must be positive")
	}
	if r.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.max_message_size must be >= 1, got %d", r.MaxMessageSize))
	}
	if r.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("relay.send_buffer must be >= 1, got %d", r.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with PULSE_ prefix
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.user", "pulse")
	v.SetDefault("storage.database.password", "pulse")
	v.SetDefault("storage.database.name", "pulse")
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.database.max_conns", 10)
	v.SetDefault("storage.database.min_conns", 2)
	v.SetDefault("storage.database.max_conn_lifetime", "1h")

	v.SetDefault("auth.session_ttl", "12h")

	v.SetDefault("opencloud.base_url", "https://apis.roblox.com/messaging-service/v1")
	v.SetDefault("opencloud.timeout", "5s")

	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.max_message_size", 65536)
	v.SetDefault("relay.send_buffer", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
