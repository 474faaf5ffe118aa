// Package config provides configuration management for the feedback bridge.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	History HistoryConfig `mapstructure:"history"`
	Client  ClientConfig  `mapstructure:"client"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
	PrivacyLevel          string `mapstructure:"privacy_level"` // full, basic, disabled
}

// HistoryConfig configures the durable history aggregator.
type HistoryConfig struct {
	DBPath         string `mapstructure:"db_path"`
	Limit          int    `mapstructure:"limit"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

// ClientConfig configures the browser-side reconciler defaults served to tabs.
type ClientConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	PreserveDraft     bool          `mapstructure:"preserve_draft"`
}

// Load reads configuration from an optional config file and FEEDBACK_*
// environment variables, applying defaults for everything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.heartbeat_interval", 60*time.Second)
	v.SetDefault("session.default_timeout_seconds", 600)
	v.SetDefault("session.privacy_level", "full")
	v.SetDefault("history.db_path", "data/history.db")
	v.SetDefault("history.limit", 10)
	v.SetDefault("history.retention_hours", 72)
	v.SetDefault("client.poll_interval", 5*time.Second)
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.preserve_draft", false)

	v.SetEnvPrefix("FEEDBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Addr returns the host:port the server binds to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
