package sandbox

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Enabled: true,
		Image:   "alpine:3.19",
		User:    &UserSpec{UID: 1000, GID: 1000},
	}
}

func TestResolveAppliesSecureDefaults(t *testing.T) {
	res, err := Resolve(validConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Network != NetworkNone {
		t.Errorf("network = %q, want %q", res.Network, NetworkNone)
	}
	if res.MemoryMB != DefaultMemoryMB {
		t.Errorf("memory = %d, want %d", res.MemoryMB, DefaultMemoryMB)
	}
	if res.CPUCores != DefaultCPUCores {
		t.Errorf("cpus = %v, want %v", res.CPUCores, DefaultCPUCores)
	}
	if res.PIDsLimit != DefaultPIDsLimit {
		t.Errorf("pids limit = %d, want %d", res.PIDsLimit, DefaultPIDsLimit)
	}
	if res.User != (UserSpec{UID: 1000, GID: 1000}) {
		t.Errorf("user = %+v, want 1000:1000", res.User)
	}
	if res.Mount.ContainerPath != DefaultMountPath || res.Mount.ReadOnly {
		t.Errorf("mount = %+v, want read-write %s", res.Mount, DefaultMountPath)
	}
	if res.WorkDir != DefaultMountPath {
		t.Errorf("workdir = %q, want mount path %q", res.WorkDir, DefaultMountPath)
	}
	if res.ProbeTimeout != DefaultProbeTimeout || res.PullTimeout != DefaultPullTimeout {
		t.Errorf("timeouts = %v/%v, want %v/%v", res.ProbeTimeout, res.PullTimeout, DefaultProbeTimeout, DefaultPullTimeout)
	}
	if res.NamePrefix != DefaultNamePrefix {
		t.Errorf("name prefix = %q, want %q", res.NamePrefix, DefaultNamePrefix)
	}
}

func TestResolveRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"disabled", func(c *Config) { c.Enabled = false }},
		{"empty image", func(c *Config) { c.Image = "" }},
		{"image with space", func(c *Config) { c.Image = "alpine latest" }},
		{"image with tab", func(c *Config) { c.Image = "alpine\t3.19" }},
		{"image with newline", func(c *Config) { c.Image = "alpine\n" }},
		{"image with NUL", func(c *Config) { c.Image = "alpine\x003.19" }},
		{"unknown network", func(c *Config) { c.Network = "host" }},
		{"negative memory", func(c *Config) { c.MemoryMB = -1 }},
		{"negative cpus", func(c *Config) { c.CPUCores = -0.5 }},
		{"NaN cpus", func(c *Config) { c.CPUCores = math.NaN() }},
		{"infinite cpus", func(c *Config) { c.CPUCores = math.Inf(1) }},
		{"negative pids", func(c *Config) { c.PIDsLimit = -4 }},
		{"relative mount path", func(c *Config) { c.Mount = &MountSpec{ContainerPath: "workspace"} }},
		{"relative workdir", func(c *Config) { c.WorkDir = "src" }},
		{"negative probe timeout", func(c *Config) { c.ProbeTimeout = -time.Second }},
		{"negative pull timeout", func(c *Config) { c.PullTimeout = -time.Second }},
		{"prefix starting with hyphen", func(c *Config) { c.NamePrefix = "-box" }},
		{"prefix with space", func(c *Config) { c.NamePrefix = "my box" }},
		{"prefix with slash", func(c *Config) { c.NamePrefix = "a/b" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := Resolve(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error = %T (%v), want *ConfigError", err, err)
			}
		})
	}
}

func TestResolveRejectsRootUser(t *testing.T) {
	cfg := validConfig()
	cfg.User = &UserSpec{UID: 0, GID: 1000}

	_, err := Resolve(cfg)
	if err == nil {
		t.Fatal("expected root rejection, got nil")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "user" {
		t.Errorf("error = %v, want user ConfigError", err)
	}
}

func TestResolveRejectsNonPositiveUser(t *testing.T) {
	for _, user := range []UserSpec{
		{UID: -1, GID: 1000},
		{UID: 1000, GID: -1},
		{UID: 1000, GID: 0},
	} {
		cfg := validConfig()
		cfg.User = &user
		if _, err := Resolve(cfg); err == nil {
			t.Errorf("user %+v accepted, want rejection", user)
		}
	}
}

func TestResolveExplicitUserSkipsIdentityLookup(t *testing.T) {
	// An explicit non-zero mapping must never fail on identity lookup,
	// whatever the host identity is.
	res, err := Resolve(validConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.User.UID != 1000 || res.User.GID != 1000 {
		t.Errorf("user = %+v, want explicit 1000:1000", res.User)
	}
}

func TestResolveHostIdentityFallback(t *testing.T) {
	cfg := validConfig()
	cfg.User = nil

	res, err := Resolve(cfg)
	uid, gid := os.Getuid(), os.Getgid()
	if uid == 0 || gid == 0 {
		// Running as root: the fallback must refuse rather than hand
		// the container a root user.
		var platErr *PlatformError
		if !errors.As(err, &platErr) {
			t.Fatalf("error = %v, want *PlatformError on a root host", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.User.UID != uid || res.User.GID != gid {
		t.Errorf("user = %+v, want host identity %d:%d", res.User, uid, gid)
	}
}

func TestResolveBridgedNetwork(t *testing.T) {
	cfg := validConfig()
	cfg.Network = NetworkBridge

	res, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Network != NetworkBridge {
		t.Errorf("network = %q, want %q", res.Network, NetworkBridge)
	}
}

func TestResolveKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		Image:        "golang:1.26",
		Network:      NetworkBridge,
		MemoryMB:     1024,
		CPUCores:     2.5,
		PIDsLimit:    128,
		User:         &UserSpec{UID: 501, GID: 20},
		Mount:        &MountSpec{ContainerPath: "/src", ReadOnly: true},
		WorkDir:      "/src/app",
		Env:          map[string]string{"CGO_ENABLED": "0"},
		ProbeTimeout: 3 * time.Second,
		PullTimeout:  time.Minute,
		NamePrefix:   "ci_build.1",
	}

	res, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MemoryMB != 1024 || res.CPUCores != 2.5 || res.PIDsLimit != 128 {
		t.Errorf("limits = %d/%v/%d, want 1024/2.5/128", res.MemoryMB, res.CPUCores, res.PIDsLimit)
	}
	if res.Mount.ContainerPath != "/src" || !res.Mount.ReadOnly {
		t.Errorf("mount = %+v, want read-only /src", res.Mount)
	}
	if res.WorkDir != "/src/app" {
		t.Errorf("workdir = %q, want /src/app", res.WorkDir)
	}
	if res.NamePrefix != "ci_build.1" {
		t.Errorf("name prefix = %q, want ci_build.1", res.NamePrefix)
	}
}

func TestResolveCopiesEnv(t *testing.T) {
	cfg := validConfig()
	cfg.Env = map[string]string{"KEY": "before"}

	res, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Env["KEY"] = "after"
	if res.Env["KEY"] != "before" {
		t.Error("resolved env shares storage with the input config")
	}
}
