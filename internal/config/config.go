// Package config holds the LPJS cluster configuration shared by the
// dispatch daemon, the compute node agent and the command line client.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is where the daemons look for the config file when -c is not given.
const DefaultPath = "/usr/local/etc/lpjs/config.yaml"

// Config holds runtime configuration for the LPJS daemons and client.
type Config struct {
	HeadNode     string   `koanf:"head_node"`
	Port         int      `koanf:"port"`
	ComputeNodes []string `koanf:"compute_nodes"`

	SpoolDir    string `koanf:"spool_dir"`
	LogDir      string `koanf:"log_dir"`
	AcctDir     string `koanf:"acct_dir"` // empty disables accounting records
	PidFile     string `koanf:"pid_file"`
	AuthKeyFile string `koanf:"auth_key_file"`

	// UIDs besides root allowed to check in nodes and act on any job.
	AdminUIDs    []uint32      `koanf:"admin_uids"`
	MaxClockSkew time.Duration `koanf:"max_clock_skew"`

	BindRetries int           `koanf:"bind_retries"`
	BindBackoff time.Duration `koanf:"bind_backoff"`
	IOTimeout   time.Duration `koanf:"io_timeout"` // per request on client connections

	// Share of physical memory held back on nodes with ZFS (ARC headroom).
	ZFSReservePercent uint          `koanf:"zfs_reserve_percent"`
	KeepCompleted     time.Duration `koanf:"keep_completed"`

	HTTP  HTTPConfig  `koanf:"http"`
	Compd CompdConfig `koanf:"compd"`
}

// HTTPConfig configures the read-only status API.
type HTTPConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// CompdConfig configures the compute node agent.
type CompdConfig struct {
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	MaxRetries   int           `koanf:"max_retries"` // 0 retries forever
	Chaperone    string        `koanf:"chaperone"`
	WorkDir      string        `koanf:"work_dir"`
	LogDir       string        `koanf:"log_dir"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		HeadNode:          "localhost",
		Port:              6817,
		SpoolDir:          "/usr/local/var/spool/lpjs",
		LogDir:            "/var/log/lpjs",
		PidFile:           "/var/run/lpjs_dispatchd.pid",
		AuthKeyFile:       "/usr/local/etc/lpjs/auth_key",
		MaxClockSkew:      5 * time.Minute,
		BindRetries:       10,
		BindBackoff:       10 * time.Second,
		IOTimeout:         30 * time.Second,
		ZFSReservePercent: 20,
		KeepCompleted:     5 * time.Minute,
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:6818",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Compd: CompdConfig{
			RetryBackoff: 10 * time.Second,
			Chaperone:    "/bin/sh",
			WorkDir:      "/usr/local/var/spool/lpjs/compd",
			LogDir:       "/var/log/lpjs/compd",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i, h := range cfg.ComputeNodes {
		cfg.ComputeNodes[i] = strings.TrimSpace(h)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HeadNode == "" {
		return fmt.Errorf("head_node is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir is required")
	}
	if c.AuthKeyFile == "" {
		return fmt.Errorf("auth_key_file is required")
	}

	seen := make(map[string]bool, len(c.ComputeNodes))
	for i, h := range c.ComputeNodes {
		if h == "" {
			return fmt.Errorf("compute_nodes[%d] is empty", i)
		}
		if seen[h] {
			return fmt.Errorf("compute node %q listed twice", h)
		}
		seen[h] = true
	}

	if c.MaxClockSkew <= 0 {
		return fmt.Errorf("max_clock_skew must be positive")
	}
	if c.BindRetries <= 0 {
		return fmt.Errorf("bind_retries must be positive")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("io_timeout must be positive")
	}
	if c.ZFSReservePercent > 100 {
		return fmt.Errorf("zfs_reserve_percent must be at most 100")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}
	if c.Compd.Chaperone == "" {
		return fmt.Errorf("compd.chaperone is required")
	}
	return nil
}

// Addr returns the host:port the daemon listens on and clients dial.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HeadNode, c.Port)
}

// IsAdmin reports whether uid may perform administrative requests.
func (c *Config) IsAdmin(uid uint32) bool {
	return uid == 0 || slices.Contains(c.AdminUIDs, uid)
}
