// Package config loads the firewall's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"promptfw/internal/traffic"
)

// Config is the full server configuration.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Admin     AdminConfig     `yaml:"admin"`
	Storage   StorageConfig   `yaml:"storage"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProxyConfig controls the interception listener.
type ProxyConfig struct {
	Listen string `yaml:"listen"`
	// DefaultTarget is forwarded to when a request has no X-Target-URL.
	DefaultTarget string `yaml:"default_target"`
}

// AdminConfig controls the control-plane listener.
type AdminConfig struct {
	Listen string `yaml:"listen"`
	// APIKey guards mutating endpoints; generated at startup when empty.
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig locates the persistent state files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TrafficConfig selects the traffic log backend.
type TrafficConfig struct {
	Capacity int                 `yaml:"capacity"`
	Store    string              `yaml:"store"` // "memory" or "redis"
	Redis    traffic.RedisConfig `yaml:"redis"`
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "127.0.0.1:8080",
		},
		Admin: AdminConfig{
			Listen:      "127.0.0.1:8081",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Traffic: TrafficConfig{
			Capacity: traffic.DefaultCapacity,
			Store:    "memory",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads the config file at path, applying defaults for anything
// unset and environment overrides on top. A missing file is not an
// error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if cfg.Traffic.Capacity <= 0 {
		cfg.Traffic.Capacity = traffic.DefaultCapacity
	}
	if cfg.Traffic.Store == "" {
		cfg.Traffic.Store = "memory"
	}
	if cfg.Traffic.Store != "memory" && cfg.Traffic.Store != "redis" {
		return nil, fmt.Errorf("invalid traffic store %q", cfg.Traffic.Store)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("PF_API_KEY"); key != "" {
		c.Admin.APIKey = key
	}
	if origins := os.Getenv("PF_CORS_ORIGINS"); origins != "" {
		var parsed []string
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				parsed = append(parsed, o)
			}
		}
		if len(parsed) > 0 {
			c.Admin.CORSOrigins = parsed
		}
	}
}
