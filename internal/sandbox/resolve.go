package sandbox

import (
	"math"
	"os"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// namePrefixPattern is the restricted grammar for container name
// prefixes: alphanumeric start, then alphanumerics, underscore, dot,
// hyphen. Matches what the runtime accepts for container names.
var namePrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Resolve validates cfg and fills in secure defaults, producing an
// immutable Resolved ready for repeated reuse. Validation fails fast
// with a *ConfigError before any subprocess is started; the only side
// effect is reading the host identity when no explicit user mapping is
// supplied, which fails with a *PlatformError if the host cannot
// guarantee a non-root user.
func Resolve(cfg Config) (Resolved, error) {
	if !cfg.Enabled {
		return Resolved{}, &ConfigError{Field: "enabled", Reason: "sandbox is disabled; refusing to resolve an execution plan"}
	}

	if cfg.Image == "" {
		return Resolved{}, &ConfigError{Field: "image", Reason: "image reference is required"}
	}
	if strings.ContainsFunc(cfg.Image, func(r rune) bool { return unicode.IsSpace(r) || r == 0 }) {
		return Resolved{}, &ConfigError{Field: "image", Reason: "image reference contains whitespace or NUL"}
	}

	network := cfg.Network
	if network == "" {
		network = NetworkNone
	}
	if network != NetworkNone && network != NetworkBridge {
		return Resolved{}, &ConfigError{Field: "network", Reason: `network mode must be "none" or "bridge"`}
	}

	memoryMB := cfg.MemoryMB
	if memoryMB == 0 {
		memoryMB = DefaultMemoryMB
	}
	if memoryMB < 0 {
		return Resolved{}, &ConfigError{Field: "memory_mb", Reason: "memory limit must be positive"}
	}

	cpuCores := cfg.CPUCores
	if cpuCores == 0 {
		cpuCores = DefaultCPUCores
	}
	if math.IsNaN(cpuCores) || math.IsInf(cpuCores, 0) || cpuCores < 0 {
		return Resolved{}, &ConfigError{Field: "cpu_cores", Reason: "cpu limit must be positive and finite"}
	}

	pidsLimit := cfg.PIDsLimit
	if pidsLimit == 0 {
		pidsLimit = DefaultPIDsLimit
	}
	if pidsLimit < 0 {
		return Resolved{}, &ConfigError{Field: "pids_limit", Reason: "pids limit must be positive"}
	}

	user, err := resolveUser(cfg.User)
	if err != nil {
		return Resolved{}, err
	}

	mount := MountSpec{ContainerPath: DefaultMountPath}
	if cfg.Mount != nil {
		mount = *cfg.Mount
		if mount.ContainerPath == "" {
			mount.ContainerPath = DefaultMountPath
		}
	}
	if !path.IsAbs(mount.ContainerPath) {
		return Resolved{}, &ConfigError{Field: "mount.container_path", Reason: "container path must be absolute"}
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = mount.ContainerPath
	}
	if !path.IsAbs(workDir) {
		return Resolved{}, &ConfigError{Field: "workdir", Reason: "working directory must be an absolute container path"}
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if probeTimeout < 0 {
		return Resolved{}, &ConfigError{Field: "probe_timeout", Reason: "timeout must be positive"}
	}

	pullTimeout := cfg.PullTimeout
	if pullTimeout == 0 {
		pullTimeout = DefaultPullTimeout
	}
	if pullTimeout < 0 {
		return Resolved{}, &ConfigError{Field: "pull_timeout", Reason: "timeout must be positive"}
	}

	namePrefix := cfg.NamePrefix
	if namePrefix == "" {
		namePrefix = DefaultNamePrefix
	}
	if !namePrefixPattern.MatchString(namePrefix) {
		return Resolved{}, &ConfigError{Field: "name_prefix", Reason: "prefix must start alphanumeric and contain only alphanumerics, underscore, dot, or hyphen"}
	}

	// Copy the env map so the resolved config cannot be mutated through
	// the caller's reference.
	var env map[string]string
	if len(cfg.Env) > 0 {
		env = make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = v
		}
	}

	return Resolved{
		Image:        cfg.Image,
		Network:      network,
		MemoryMB:     memoryMB,
		CPUCores:     cpuCores,
		PIDsLimit:    pidsLimit,
		User:         user,
		Mount:        mount,
		WorkDir:      workDir,
		Env:          env,
		ProbeTimeout: probeTimeout,
		PullTimeout:  pullTimeout,
		NamePrefix:   namePrefix,
	}, nil
}

// resolveUser returns the explicit mapping after rejecting root and
// non-positive identifiers, or falls back to the host identity. The
// fallback is a security gate, not a convenience: a host that cannot
// report a strictly positive uid/gid gets a *PlatformError, because
// running the sandboxed command as root inside the container defeats
// the isolation's purpose.
func resolveUser(spec *UserSpec) (UserSpec, error) {
	if spec != nil {
		if spec.UID == 0 || spec.GID == 0 {
			return UserSpec{}, &ConfigError{Field: "user", Reason: "root (uid/gid 0) is never allowed inside the sandbox"}
		}
		if spec.UID < 0 || spec.GID < 0 {
			return UserSpec{}, &ConfigError{Field: "user", Reason: "uid and gid must be strictly positive"}
		}
		return *spec, nil
	}

	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return UserSpec{}, &PlatformError{Reason: "host does not expose a numeric uid/gid; supply an explicit non-root user mapping"}
	}
	if uid == 0 || gid == 0 {
		return UserSpec{}, &PlatformError{Reason: "host identity is root; supply an explicit non-root user mapping"}
	}
	return UserSpec{UID: uid, GID: gid}, nil
}
