// Package config loads the keeld.yaml daemon configuration file. The
// teacher has no config-file loader of its own — cmd/server is flag-only —
// but gopkg.in/yaml.v3 already sits in its dependency graph, exercised by
// its test fixtures and its REPL's -format yaml output; keel repurposes
// the same library as a real configuration format.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NamespaceDefaults configures per-namespace behavior shared across every
// namespace a daemon hosts.
type NamespaceDefaults struct {
	PageSize            uint32        `yaml:"page_size"`
	RotateThresholdMB   uint64        `yaml:"rotate_threshold_mb"`
	IdleShutdownAfter   time.Duration `yaml:"idle_shutdown_after"`
	SweepInterval       string        `yaml:"sweep_interval"` // cron expression
}

// Config is the parsed contents of keeld.yaml.
type Config struct {
	DataDir    string            `yaml:"data_dir"`
	ListenGRPC string            `yaml:"listen_grpc"`
	ListenHTTP string            `yaml:"listen_http"`

	// Role is "primary" or "follower".
	Role string `yaml:"role"`

	// Follower-only: the primary to replicate from.
	UpstreamAddr string `yaml:"upstream_addr,omitempty"`

	Namespace NamespaceDefaults `yaml:"namespace"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls internal/telemetry construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a Config with sensible defaults, the starting point
// flags override individual fields on top of.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ListenGRPC: ":4427",
		ListenHTTP: ":4428",
		Role:       "primary",
		Namespace: NamespaceDefaults{
			PageSize:          4096,
			RotateThresholdMB: 64,
			IdleShutdownAfter: 10 * time.Minute,
			SweepInterval:     "*/5 * * * *",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and parses path into a Config seeded with Default() values,
// so a keeld.yaml only needs to specify what it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail in confusing ways later.
func (c Config) Validate() error {
	if c.Role != "primary" && c.Role != "follower" {
		return fmt.Errorf("config: role must be \"primary\" or \"follower\", got %q", c.Role)
	}
	if c.Role == "follower" && c.UpstreamAddr == "" {
		return fmt.Errorf("config: follower role requires upstream_addr")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	return nil
}
