// Package config reads and writes the TOML configuration file for the
// sheetsync CLI.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/logging"
)

// Config represents the main configuration for sheetsync.
type Config struct {
	// DatabasePath is where the local SQLite cache lives.
	DatabasePath string `toml:"database_path"`

	// Author is the email attached to comments posted from this machine.
	Author string `toml:"author"`

	Gateway GatewayConfig  `toml:"gateway"`
	Logging logging.Config `toml:"logging"`
}

// GatewayConfig holds the server connection settings.
// Token and TokenEnv are alternatives: a literal token in the file, or the
// name of an environment variable to read it from. TokenEnv wins when both
// are set, so the file never has to hold the secret.
type GatewayConfig struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token,omitempty"`
	TokenEnv string `toml:"token_env,omitempty"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		DatabasePath: filepath.Join(baseDir, "sheetsync.db"),
		Gateway: GatewayConfig{
			TokenEnv: "SHEETSYNC_TOKEN",
		},
		Logging: logging.DefaultConfig,
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.Token == "" && c.Gateway.TokenEnv == "" {
		return fmt.Errorf("one of gateway.token or gateway.token_env is required")
	}
	return nil
}

// TokenProvider returns the credential source described by the config.
func (c *Config) TokenProvider() gateway.TokenProvider {
	if c.Gateway.TokenEnv != "" {
		return gateway.EnvToken(c.Gateway.TokenEnv)
	}
	return gateway.StaticToken(c.Gateway.Token)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided
// Config. Fails if a config file already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// DefaultPath returns the conventional config location under the user's
// config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(dir, "sheetsync", "config.toml"), nil
}
