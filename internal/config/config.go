// Package config handles configuration loading and validation for portpunch.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port, default 127.0.0.1:9473
}

// UPnPConfig holds configuration for the UPnP engine.
type UPnPConfig struct {
	MulticastAddress string `yaml:"multicast_address"` // SSDP group, default 239.255.255.250:1900
	UserAgent        string `yaml:"user_agent"`        // HTTP User-Agent header
	Retransmits      int    `yaml:"retransmits"`       // discovery retransmit bound
}

// Config holds the daemon configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"` // trace, debug, info, warn, error
	Socket   string        `yaml:"socket"`    // control socket path
	Metrics  MetricsConfig `yaml:"metrics"`
	UPnP     UPnPConfig    `yaml:"upnp"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Socket == "" {
		c.Socket = "/var/run/portpunch.sock"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9473"
	}
	if c.UPnP.MulticastAddress == "" {
		c.UPnP.MulticastAddress = "239.255.255.250:1900"
	}
	if c.UPnP.UserAgent == "" {
		c.UPnP.UserAgent = "portpunch"
	}
	if c.UPnP.Retransmits == 0 {
		c.UPnP.Retransmits = 4
	}

	// Expand home directory in the socket path
	if strings.HasPrefix(c.Socket, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Socket = filepath.Join(homeDir, c.Socket[2:])
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if _, err := net.ResolveUDPAddr("udp4", c.UPnP.MulticastAddress); err != nil {
		return fmt.Errorf("invalid upnp.multicast_address %q: %w", c.UPnP.MulticastAddress, err)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen %q: %w", c.Metrics.Listen, err)
		}
	}

	if c.UPnP.Retransmits < 0 {
		return fmt.Errorf("upnp.retransmits must not be negative")
	}
	return nil
}
