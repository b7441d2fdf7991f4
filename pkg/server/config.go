package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Auth   AuthSection   `toml:"auth"`
	Logs   LogsSection   `toml:"logs"`
}

// Numeric settings are pointers so an explicit 0 in the file is kept and
// validated instead of being mistaken for a missing key.
type ServerSection struct {
	BindHost        string `toml:"bind_host"`
	TCPPort         *int   `toml:"tcp_port"`
	HTTPPort        *int   `toml:"http_port"` // 0 disables the HTTP listener
	CredentialsPath string `toml:"credentials_path"`
	DatabasePath    string `toml:"database_path"`
}

type AuthSection struct {
	MaxInvalidAttempts *int `toml:"max_invalid_attempts"`
	LockSeconds        *int `toml:"lock_seconds"`
}

type LogsSection struct {
	ClearOnShutdown *bool `toml:"clear_on_shutdown"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	clearLogs := true
	tcpPort, httpPort := 6470, 6471
	maxAttempts, lockSeconds := 3, 10
	return TOMLConfig{
		Server: ServerSection{
			BindHost:        "127.0.0.1",
			TCPPort:         &tcpPort,
			HTTPPort:        &httpPort,
			CredentialsPath: "credentials.txt",
			DatabasePath:    "~/.tessenger/audit.db",
		},
		Auth: AuthSection{
			MaxInvalidAttempts: &maxAttempts,
			LockSeconds:        &lockSeconds,
		},
		Logs: LogsSection{
			ClearOnShutdown: &clearLogs,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location still lets the server run on defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Tessenger Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.BindHost) != "" {
		cfg.BindHost = c.Server.BindHost
	}
	if c.Server.TCPPort != nil {
		cfg.TCPPort = *c.Server.TCPPort
	}
	if c.Server.HTTPPort != nil {
		cfg.HTTPPort = *c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.CredentialsPath) != "" {
		cfg.CredentialsPath = c.Server.CredentialsPath
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if c.Auth.MaxInvalidAttempts != nil {
		cfg.MaxInvalidAttempts = *c.Auth.MaxInvalidAttempts
	}
	if c.Auth.LockSeconds != nil {
		cfg.LockDuration = time.Duration(*c.Auth.LockSeconds) * time.Second
	}
	if c.Logs.ClearOnShutdown != nil {
		cfg.ClearLogsOnShutdown = *c.Logs.ClearOnShutdown
	}

	return cfg
}

// expandHome expands a leading ~/ in path
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
