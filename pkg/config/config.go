// Package config loads the hil configuration file.
//
// The returned *Config is passed explicitly to the constructors that need
// it; nothing here is process-wide state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hil-network/hil/pkg/util"
)

// DefaultPath is where the operator binary looks when --config is not given.
const DefaultPath = "/etc/hil/hil.yaml"

// Config is the root of hil.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	VLANPool VLANPoolConfig `yaml:"vlan_pool"`
	Apply    ApplyConfig    `yaml:"apply"`
	Log      LogConfig      `yaml:"log"`
	Audit    AuditConfig    `yaml:"audit"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// VLANPoolConfig lists the VLAN ids handed out to networks, e.g. "1001-1040".
type VLANPoolConfig struct {
	VLANs string `yaml:"vlans"`
}

// ApplyConfig tunes the networking-action worker.
type ApplyConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Concurrency   int           `yaml:"concurrency"`
	SwitchTimeout time.Duration `yaml:"switch_timeout"`
}

// LogConfig sets logrus level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig locates the JSON-lines audit trail. An empty path disables it.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int64  `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "/var/lib/hil/hil.db"},
		VLANPool: VLANPoolConfig{VLANs: "1001-1040"},
		Apply: ApplyConfig{
			Interval:      5 * time.Second,
			Concurrency:   4,
			SwitchTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Audit: AuditConfig{
			Path:       "/var/log/hil/audit.log",
			MaxSize:    10 * 1024 * 1024,
			MaxBackups: 10,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is DefaultPath, so a fresh install runs on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves unset,
// and validates the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	return cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		v.AddErrorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	v.Add(c.Database.DSN != "", "database.dsn is required")

	if c.VLANPool.VLANs == "" {
		v.AddErrorf("vlan_pool.vlans is required")
	} else if _, err := util.ExpandVLANRange(c.VLANPool.VLANs); err != nil {
		v.AddErrorf("vlan_pool.vlans: %v", err)
	}

	v.Add(c.Apply.Interval > 0, "apply.interval must be positive")
	v.Add(c.Apply.Concurrency > 0, "apply.concurrency must be positive")
	v.Add(c.Apply.SwitchTimeout > 0, "apply.switch_timeout must be positive")

	switch c.Log.Format {
	case "", "text", "json":
	default:
		v.AddErrorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return v.Build()
}
