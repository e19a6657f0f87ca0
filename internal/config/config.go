package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Data persistence settings
	Chat    ChatConfig    `toml:"chat"`    // Chat session lifecycle settings
	Auth    AuthConfig    `toml:"auth"`    // Identity verification settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	Port             int    `toml:"port"`                  // Primary HTTP port for the server
	AdditionalPorts  []int  `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, required for long-lived WebSocket connections)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the SQLite database file (e.g., "data/support-chat.db")
}

// ChatConfig contains chat session lifecycle configuration
type ChatConfig struct {
	IdleTimeoutMinutes   int `toml:"idle_timeout_minutes"`   // Minutes of inactivity after which an Active session is swept to Inactive (default: 30)
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"` // How often the inactivity sweep runs (default: 60)
	MaxMessageLength     int `toml:"max_message_length"`     // Maximum accepted message content length in bytes (default: 4000)
}

// AuthConfig contains identity verification configuration
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`    // HMAC secret used to verify identity tokens
	RequireToken bool   `toml:"require_token"` // When true, auth frames must carry a verifiable token; otherwise the declared user_id is trusted (e.g., behind a gateway)
}

// IdleTimeout returns the session idle threshold as a duration
func (c *ChatConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// SweepInterval returns the inactivity sweep period as a duration
func (c *ChatConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Load loads the configuration from the given TOML file
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadWithFallback loads configuration from the preferred path if given,
// otherwise it searches the conventional locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	candidates := []string{preferredPath, "configs/config.toml", "config.toml"}

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no configuration file found (searched: configs/config.toml, config.toml)")
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			IdleTimeoutSecs: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			SQLitePath: "data/support-chat.db",
		},
		Chat: ChatConfig{
			IdleTimeoutMinutes:   30,
			SweepIntervalSeconds: 60,
			MaxMessageLength:     4000,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	for _, port := range c.Server.AdditionalPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("additional port must be between 1 and 65535, got %d", port)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite_path must not be empty")
	}

	if c.Chat.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("chat idle_timeout_minutes must be positive, got %d", c.Chat.IdleTimeoutMinutes)
	}
	if c.Chat.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("chat sweep_interval_seconds must be positive, got %d", c.Chat.SweepIntervalSeconds)
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat max_message_length must be positive, got %d", c.Chat.MaxMessageLength)
	}

	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret must be set when require_token is enabled")
	}

	return nil
}
