package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Zero durations and sizes fall back to
// the defaults from DefaultConfig.
type Config struct {
	ControlAddr string `yaml:"control_addr"` // TCP binding (e.g. ":9600")
	HTTPAddr    string `yaml:"http_addr"`    // WebSocket, /metrics and /healthz (empty = disabled)
	DBPath      string `yaml:"db_path"`      // SQLite database path
	DataDir     string `yaml:"data_dir"`     // directory for generated certs

	TLS      bool   `yaml:"tls"`       // wrap the TCP binding in TLS
	CertFile string `yaml:"cert_file"` // TLS certificate (generated when missing)
	KeyFile  string `yaml:"key_file"`  // TLS private key

	AuthTimeout       time.Duration `yaml:"auth_timeout"`        // deadline for the first request
	WriteTimeout      time.Duration `yaml:"write_timeout"`       // per-write deadline
	QueueSize         int           `yaml:"queue_size"`          // per-session outbound queue
	MaxAuthFailures   int           `yaml:"max_auth_failures"`   // failed logins per window
	AuthFailureWindow time.Duration `yaml:"auth_failure_window"` // throttle window
	MetricsInterval   time.Duration `yaml:"metrics_interval"`    // periodic metrics log

	SeedFile         string   `yaml:"seed_file"`          // users YAML imported at startup
	WSAllowedOrigins []string `yaml:"ws_allowed_origins"` // empty = any origin
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:       ":9600",
		HTTPAddr:          ":9602",
		DBPath:            "gorelay.db",
		DataDir:           ".",
		TLS:               true,
		AuthTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         defaultQueueSize,
		MaxAuthFailures:   defaultMaxAuthFails,
		AuthFailureWindow: time.Minute,
		MetricsInterval:   60 * time.Second,
	}
}

// LoadConfigFile reads a YAML config file over DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.AuthFailureWindow <= 0 {
		c.AuthFailureWindow = d.AuthFailureWindow
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	return c
}

func (c Config) controllerConfig() ControllerConfig {
	return ControllerConfig{
		QueueSize:         c.QueueSize,
		MaxAuthFailures:   c.MaxAuthFailures,
		AuthFailureWindow: c.AuthFailureWindow,
	}
}
