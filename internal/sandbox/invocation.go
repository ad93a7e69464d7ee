package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/lifecycle"
	"github.com/jkaninda/enclave/internal/observability"
)

// redactedPlaceholder replaces environment values in log-safe argument
// vectors. Keys are preserved so problems stay diagnosable.
const redactedPlaceholder = "<redacted>"

// removeTimeout bounds the best-effort container removal.
const removeTimeout = 5 * time.Second

// Invocation is one ready-to-execute sandboxed run: the runtime binary,
// its full argument vector, the generated container name, and a
// redacted vector safe for logging. Owned by the caller for the
// lifetime of the run and disposed exactly once.
type Invocation struct {
	Binary  string
	Args    []string
	Name    string
	LogArgs []string

	registry *lifecycle.Registry
	action   *lifecycle.Action
	remove   func()
	once     sync.Once
}

// Dispose unregisters the invocation's cleanup action and runs it
// directly. This is the normal, expected path; registry-triggered
// cleanup is the fallback for abnormal termination. Safe to call more
// than once — the removal runs at most once either way.
func (inv *Invocation) Dispose() {
	inv.once.Do(func() {
		inv.registry.Unregister(inv.action)
		inv.remove()
	})
}

// Builder turns a resolved configuration plus per-run options into
// runtime invocations. Building is pure with respect to its inputs
// except for generating a fresh container name and registering the
// container's cleanup action with the lifecycle registry.
type Builder struct {
	logger   *slog.Logger
	registry *lifecycle.Registry
	metrics  *observability.MetricsCollector
}

// NewBuilder creates a Builder. metrics may be nil.
func NewBuilder(logger *slog.Logger, registry *lifecycle.Registry, metrics *observability.MetricsCollector) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = lifecycle.Default()
	}
	return &Builder{logger: logger, registry: registry, metrics: metrics}
}

// Build constructs the argument vector for one sandboxed run. The
// vector layout is fixed: remove-on-exit, name, user, memory, cpu,
// pids, network, workspace mount, working directory, environment,
// image, command, arguments. Two builds from the same inputs differ
// only in the generated container name.
func (b *Builder) Build(res Resolved, opts RunOptions) (*Invocation, error) {
	if opts.Command == "" {
		return nil, &ConfigError{Field: "command", Reason: "command is required"}
	}
	if opts.HostDir == "" {
		return nil, &ConfigError{Field: "host_dir", Reason: "host working directory is required"}
	}
	hostDir, err := filepath.Abs(opts.HostDir)
	if err != nil {
		return nil, &ConfigError{Field: "host_dir", Reason: "cannot resolve to an absolute path: " + err.Error()}
	}

	name := generateContainerName(res.NamePrefix)

	mount := hostDir + ":" + res.Mount.ContainerPath
	if res.Mount.ReadOnly {
		mount += ":ro"
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--user", strconv.Itoa(res.User.UID) + ":" + strconv.Itoa(res.User.GID),
		"--memory", strconv.Itoa(res.MemoryMB) + "m",
		"--memory-swap", strconv.Itoa(res.MemoryMB) + "m", // same as memory = no swap, OOM kill on exceed
		"--cpus", strconv.FormatFloat(res.CPUCores, 'f', 2, 64),
		"--pids-limit", strconv.Itoa(res.PIDsLimit),
		"--network", string(res.Network),
		"-v", mount,
		"-w", res.WorkDir,
	}

	for _, kv := range mergeEnv(opts.Env, res.Env) {
		args = append(args, "--env", kv)
	}

	args = append(args, res.Image, containerCommand(opts.Command))
	args = append(args, opts.Args...)

	inv := &Invocation{
		Binary:   runtimeBinary,
		Args:     args,
		Name:     name,
		LogArgs:  RedactArgs(args),
		registry: b.registry,
	}
	inv.remove = func() { b.removeContainer(name) }
	inv.action = b.registry.Register(inv.remove)
	return inv, nil
}

// generateContainerName returns prefix-<16 hex chars>.
func generateContainerName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return prefix + "-" + suffix
}

// containerCommand reduces a host path to its base name. The runtime
// resolves the binary inside the container; a host path would both leak
// the host filesystem layout and point at nothing in the image.
func containerCommand(command string) string {
	if strings.ContainsRune(command, '/') || strings.ContainsRune(command, filepath.Separator) {
		return filepath.Base(command)
	}
	return command
}

// mergeEnv flattens the run-time and sandbox-configured environments
// into sorted "key=value" tokens. Sandbox values take precedence on key
// collision. Entries whose key is empty, contains '=', or contains a
// NUL byte are silently skipped — they cannot be expressed as a single
// --env token without opening an argument-injection hole. NUL in a
// value is skipped for the same reason.
func mergeEnv(runEnv, cfgEnv map[string]string) []string {
	merged := make(map[string]string, len(runEnv)+len(cfgEnv))
	for k, v := range runEnv {
		merged[k] = v
	}
	for k, v := range cfgEnv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if k == "" || strings.ContainsRune(k, '=') || strings.ContainsRune(k, 0) {
			continue
		}
		if strings.ContainsRune(merged[k], 0) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// RedactArgs returns a copy of args safe for logging: the value portion
// of every token following an --env flag is replaced with a fixed
// placeholder, keys and all other tokens are preserved byte for byte.
// Idempotent.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] != "--env" {
			continue
		}
		kv := out[i+1]
		if j := strings.IndexByte(kv, '='); j >= 0 {
			out[i+1] = kv[:j] + "=" + redactedPlaceholder
		}
	}
	return out
}

// removeContainer force-removes the named container. Best-effort by
// contract: the container may already be gone (--rm fired, daemon
// restarted), so failures are logged and swallowed, never escalated.
func (b *Builder) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, runtimeBinary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			b.logger.Warn("container removal failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
			b.metrics.ObserveCleanup("error")
			return
		}
	}
	b.metrics.ObserveCleanup("ok")
}
