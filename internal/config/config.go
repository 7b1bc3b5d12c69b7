// Package config loads the on-disk YAML configuration shared by the two
// daemon entrypoints.
package config

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration file shape.
type Config struct {
	// ListenAddr is the address the connection daemon accepts incoming SSH
	// TCP connections on.
	ListenAddr string `yaml:"listen_addr"`

	// MonitorSocketPath is the filesystem path of the AF_UNIX SOCK_DGRAM
	// socket the connection daemon and monitor process share. In practice
	// the connection daemon creates the socket pair itself with
	// transport.NewPair and passes one end to its sshd-monitor child across
	// exec(2); neither entrypoint reads this path.
	MonitorSocketPath string `yaml:"monitor_socket_path"`

	// HostKeyPaths lists private key files the monitor loads at startup.
	// At least one must be present.
	HostKeyPaths []string `yaml:"host_key_paths"`

	// LogLevel is parsed with logrus.ParseLevel; empty means "info".
	LogLevel string `yaml:"log_level"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file")
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults for
// unset optional fields.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.HostKeyPaths) == 0 {
		return trace.BadParameter("host_key_paths must list at least one host key")
	}
	if c.MonitorSocketPath == "" {
		c.MonitorSocketPath = "/run/sshmonitor/monitor.sock"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:22"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
