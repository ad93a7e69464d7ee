// Package config handles loading and validating enclave configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/enclave/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for enclave.
type Config struct {
	Sandbox SandboxConfig  `json:"sandbox" yaml:"sandbox"`
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"` // nil = metrics endpoint disabled
}

// SandboxConfig is the declarative sandbox section of the config file.
// It mirrors sandbox.Config with file-friendly field types; ToSandbox
// performs the conversion. Every field besides enabled and image is
// optional with a secure default applied at resolve time.
type SandboxConfig struct {
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	Image            string            `json:"image" yaml:"image"`
	Network          string            `json:"network,omitempty" yaml:"network,omitempty"` // "none" (default) or "bridge"
	MemoryMB         int               `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUCores         float64           `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	PIDsLimit        int               `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	User             *UserConfig       `json:"user,omitempty" yaml:"user,omitempty"`
	Mount            *MountConfig      `json:"mount,omitempty" yaml:"mount,omitempty"`
	WorkDir          string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ProbeTimeoutSecs int               `json:"probe_timeout_seconds,omitempty" yaml:"probe_timeout_seconds,omitempty"`
	PullTimeoutSecs  int               `json:"pull_timeout_seconds,omitempty" yaml:"pull_timeout_seconds,omitempty"`
	NamePrefix       string            `json:"name_prefix,omitempty" yaml:"name_prefix,omitempty"`
	RunTimeoutSecs   int               `json:"run_timeout_seconds,omitempty" yaml:"run_timeout_seconds,omitempty"` // executor wall clock, 0 = default
}

// UserConfig is the explicit container user mapping.
type UserConfig struct {
	UID int `json:"uid" yaml:"uid"`
	GID int `json:"gid" yaml:"gid"`
}

// MountConfig configures the workspace bind mount.
type MountConfig struct {
	ContainerPath string `json:"container_path,omitempty" yaml:"container_path,omitempty"`
	ReadOnly      bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// MetricsConfig configures the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":9464"
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`               // Default: "/metrics"
}

// ToSandbox converts the file representation into the engine's
// configuration value.
func (s SandboxConfig) ToSandbox() sandbox.Config {
	cfg := sandbox.Config{
		Enabled:      s.Enabled,
		Image:        s.Image,
		Network:      sandbox.NetworkMode(s.Network),
		MemoryMB:     s.MemoryMB,
		CPUCores:     s.CPUCores,
		PIDsLimit:    s.PIDsLimit,
		WorkDir:      s.WorkDir,
		Env:          s.Env,
		ProbeTimeout: time.Duration(s.ProbeTimeoutSecs) * time.Second,
		PullTimeout:  time.Duration(s.PullTimeoutSecs) * time.Second,
		NamePrefix:   s.NamePrefix,
	}
	if s.User != nil {
		cfg.User = &sandbox.UserSpec{UID: s.User.UID, GID: s.User.GID}
	}
	if s.Mount != nil {
		cfg.Mount = &sandbox.MountSpec{ContainerPath: s.Mount.ContainerPath, ReadOnly: s.Mount.ReadOnly}
	}
	return cfg
}

// RunTimeout returns the configured executor timeout, 0 meaning "use
// the executor default".
func (s SandboxConfig) RunTimeout() time.Duration {
	return time.Duration(s.RunTimeoutSecs) * time.Second
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/enclave.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".enclave", "config.yaml")
}

// Load reads a JSON or YAML config file. The format is detected by file
// extension: .yml/.yaml for YAML, everything else for JSON. Environment
// variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides — env vars
// take precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if img := os.Getenv("ENCLAVE_IMAGE"); img != "" {
		c.Sandbox.Image = img
	}
	if network := os.Getenv("ENCLAVE_NETWORK"); network != "" {
		c.Sandbox.Network = network
	}
	if prefix := os.Getenv("ENCLAVE_NAME_PREFIX"); prefix != "" {
		c.Sandbox.NamePrefix = prefix
	}
}

// resolvePath expands a leading ~ and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
