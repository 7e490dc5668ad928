// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for session and history data.
// Uses ~/.wa-gateway/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wa-gateway")
}

// Config holds all configuration for the gateway.
type Config struct {
	// HTTP
	ListenAddr   string `mapstructure:"listen_addr"`
	APIKey       string `mapstructure:"api_key"`
	RateLimitRPM int    `mapstructure:"rate_limit_rpm"`

	// Addressing
	CountryCode string `mapstructure:"country_code"`

	// Paths
	SessionPath string `mapstructure:"session_path"`
	StorePath   string `mapstructure:"store_path"`

	// Session timing
	PacingDelay  time.Duration `mapstructure:"pacing_delay"`
	GraceAuth    time.Duration `mapstructure:"grace_auth"`
	GraceLoading time.Duration `mapstructure:"grace_loading"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`

	// Re-initialization backoff
	ReinitMaxRetries int           `mapstructure:"reinit_max_retries"`
	ReinitBaseDelay  time.Duration `mapstructure:"reinit_base_delay"`
	ReinitMaxDelay   time.Duration `mapstructure:"reinit_max_delay"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ListenAddr:       ":8080",
		RateLimitRPM:     60,
		CountryCode:      "62",
		SessionPath:      filepath.Join(dataDir, "session.db"),
		StorePath:        filepath.Join(dataDir, "gateway.db"),
		PacingDelay:      2 * time.Second,
		GraceAuth:        5 * time.Second,
		GraceLoading:     3 * time.Second,
		RestartDelay:     2 * time.Second,
		ReinitMaxRetries: 10,
		ReinitBaseDelay:  1 * time.Second,
		ReinitMaxDelay:   2 * time.Minute,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("api_key", defaults.APIKey)
	v.SetDefault("rate_limit_rpm", defaults.RateLimitRPM)
	v.SetDefault("country_code", defaults.CountryCode)
	v.SetDefault("session_path", defaults.SessionPath)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("pacing_delay", defaults.PacingDelay)
	v.SetDefault("grace_auth", defaults.GraceAuth)
	v.SetDefault("grace_loading", defaults.GraceLoading)
	v.SetDefault("restart_delay", defaults.RestartDelay)
	v.SetDefault("reinit_max_retries", defaults.ReinitMaxRetries)
	v.SetDefault("reinit_base_delay", defaults.ReinitBaseDelay)
	v.SetDefault("reinit_max_delay", defaults.ReinitMaxDelay)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with WAGATE_ prefix
	v.SetEnvPrefix("WAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Ignore if the default config.yaml simply doesn't exist — use
			// built-in defaults. Only fail if the user explicitly provided a
			// path that can't be read.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key must be set (WAGATE_API_KEY)")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.CountryCode == "" {
		return fmt.Errorf("country_code must be set")
	}
	for _, r := range c.CountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("country_code must be digits only, got %q", c.CountryCode)
		}
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("rate_limit_rpm must be positive")
	}

	if c.PacingDelay < 0 {
		return fmt.Errorf("pacing_delay must be non-negative")
	}

	if c.GraceAuth <= 0 || c.GraceLoading <= 0 {
		return fmt.Errorf("grace periods must be positive")
	}

	if c.RestartDelay <= 0 {
		return fmt.Errorf("restart_delay must be positive")
	}

	if c.ReinitMaxRetries < 0 {
		return fmt.Errorf("reinit max retries must be non-negative")
	}

	if c.ReinitBaseDelay <= 0 {
		return fmt.Errorf("reinit base delay must be positive")
	}

	if c.ReinitMaxDelay <= 0 {
		return fmt.Errorf("reinit max delay must be positive")
	}

	if c.ReinitBaseDelay > c.ReinitMaxDelay {
		return fmt.Errorf("reinit base delay must be less than or equal to max delay")
	}

	return nil
}
