// Package config parses the keyforge.yaml configuration file. Values here are
// defaults; cobra flags and KEYFORGE_* environment variables override them at
// startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level keyforge configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	ClientRateLimit int        `yaml:"client_rate_limit"` // requests/min/IP on public endpoints
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	JWTExpiry        string `yaml:"jwt_expiry"`
	RequireClientKey bool   `yaml:"require_client_key"`
}

// StoreConfig selects and tunes the backing database.
type StoreConfig struct {
	Driver  string `yaml:"driver"`   // sqlite (default) or postgres
	DataDir string `yaml:"data_dir"` // sqlite database directory
	DSN     string `yaml:"dsn"`      // postgres connection string
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls the anonymous usage heartbeat.
type TelemetryConfig struct {
	Disabled bool `yaml:"disabled"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	var cfg YAMLConfig
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			ClientRateLimit: 120,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
