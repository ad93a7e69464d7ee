// Package sandbox resolves declarative sandbox configurations into
// secure execution plans and builds the exact container-runtime
// invocation for each run. All external commands run through a sandbox —
// never directly on the host.
//
// The package sits at a trust boundary: configurations that cannot be
// made safe are refused (never silently degraded), the sandboxed user is
// never root, the network is off unless explicitly bridged, and every
// container that is started is registered for removal with the lifecycle
// registry before the caller ever sees the invocation.
package sandbox

import "time"

// runtimeBinary is the external container runtime. It is invoked with an
// argument vector only — no shell string interpolation anywhere.
const runtimeBinary = "docker"

// NetworkMode selects the container network stack.
type NetworkMode string

const (
	// NetworkNone gives the container no network stack at all.
	NetworkNone NetworkMode = "none"
	// NetworkBridge attaches the container to the default bridge.
	NetworkBridge NetworkMode = "bridge"
)

// Defaults applied by Resolve when optional fields are absent.
const (
	DefaultMemoryMB     = 512
	DefaultCPUCores     = 1.0
	DefaultPIDsLimit    = 64
	DefaultMountPath    = "/workspace"
	DefaultNamePrefix   = "enclave"
	DefaultProbeTimeout = 10 * time.Second
	DefaultPullTimeout  = 5 * time.Minute
)

// UserSpec maps the container user. Both identifiers must be strictly
// positive — root (uid 0) inside the container defeats the isolation.
type UserSpec struct {
	UID int
	GID int
}

// MountSpec binds the host working directory into the container.
type MountSpec struct {
	// ContainerPath is the absolute container-side bind target.
	ContainerPath string
	// ReadOnly appends the read-only suffix to the bind mount.
	ReadOnly bool
}

// Config is the caller-supplied sandbox configuration. Every field
// except Enabled and Image is optional with a secure default.
type Config struct {
	// Enabled gates sandboxing. Resolve refuses a disabled config.
	Enabled bool

	// Image is the container image reference (e.g. "alpine:3.19").
	Image string

	// Network selects the network mode. Empty = NetworkNone.
	Network NetworkMode

	// MemoryMB is the hard memory limit. Zero = default.
	MemoryMB int

	// CPUCores is the CPU rate limit (e.g. 0.5 = half a core). Zero = default.
	CPUCores float64

	// PIDsLimit caps the process count (fork bomb protection). Zero = default.
	PIDsLimit int

	// User is the explicit container user mapping. Nil = resolve from
	// the host identity, refusing root.
	User *UserSpec

	// Mount configures the workspace bind mount. Nil = read-write mount
	// at DefaultMountPath.
	Mount *MountSpec

	// WorkDir is the container-side working directory. Empty = the
	// mount's container path.
	WorkDir string

	// Env adds environment variables inside the container. These take
	// precedence over per-run variables on key collision.
	Env map[string]string

	// ProbeTimeout bounds the image-presence check. Zero = default.
	ProbeTimeout time.Duration

	// PullTimeout bounds an image pull. Zero = default.
	PullTimeout time.Duration

	// NamePrefix prefixes generated container names. Empty = default.
	NamePrefix string
}

// Resolved is the fully-defaulted, fully-validated counterpart of
// Config. It is a value: never mutated after creation, recomputed fresh
// from each Config, and reusable across many invocations without
// re-validation.
type Resolved struct {
	Image        string
	Network      NetworkMode
	MemoryMB     int
	CPUCores     float64
	PIDsLimit    int
	User         UserSpec
	Mount        MountSpec
	WorkDir      string
	Env          map[string]string
	ProbeTimeout time.Duration
	PullTimeout  time.Duration
	NamePrefix   string
}

// RunOptions describes one sandboxed run. Ephemeral — consumed while
// building a single invocation.
type RunOptions struct {
	// HostDir is the host directory bound into the container.
	HostDir string

	// Command is the program to run. A host path is reduced to its base
	// name so the runtime's own binary resolution applies and the host
	// filesystem layout never leaks into the container.
	Command string

	// Args are passed to the command verbatim, never shell-interpreted.
	Args []string

	// Env adds per-run environment variables. Sandbox-configured
	// variables win on key collision.
	Env map[string]string
}
