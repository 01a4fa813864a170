package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the server configuration. Immutable after startup; every
// component shares the one value.
type Config struct {
	Dir         string `toml:"dir"`
	DBFilename  string `toml:"dbfilename"`
	Port        int    `toml:"port"`
	ReplicaOf   string `toml:"replicaof"`
	LogLevel    string `toml:"log_level"`
	MetricsPort int    `toml:"metrics_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dir:        ".",
		DBFilename: "dump.rdb",
		Port:       6379,
		LogLevel:   "info",
	}
}

// LoadFile decodes a TOML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReplicaOf != "" {
		if _, err := c.PrimaryAddr(); err != nil {
			return err
		}
	}
	return nil
}

// IsReplica reports whether the server should start in replica role.
func (c *Config) IsReplica() bool {
	return c.ReplicaOf != ""
}

// PrimaryAddr converts the "<host> <port>" replicaof value to a
// dialable host:port address.
func (c *Config) PrimaryAddr() (string, error) {
	fields := strings.Fields(c.ReplicaOf)
	if len(fields) != 2 {
		return "", fmt.Errorf("invalid replicaof %q, want \"<host> <port>\"", c.ReplicaOf)
	}
	return net.JoinHostPort(fields[0], fields[1]), nil
}

// SnapshotPath joins the snapshot directory and filename. Empty when
// no filename is configured.
func (c *Config) SnapshotPath() string {
	if c.DBFilename == "" {
		return ""
	}
	return filepath.Join(c.Dir, c.DBFilename)
}

// Get looks up the values CONFIG GET exposes.
func (c *Config) Get(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "dir":
		return c.Dir, true
	case "dbfilename":
		return c.DBFilename, true
	default:
		return "", false
	}
}
