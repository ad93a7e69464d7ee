// Package executor runs built sandbox invocations and interprets their
// outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jkaninda/enclave/internal/observability"
	"github.com/jkaninda/enclave/internal/sandbox"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 30 * time.Second
)

// Result captures the outcome of a sandboxed run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs invocations produced by the sandbox builder.
type Executor struct {
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// New creates an Executor. metrics may be nil.
func New(logger *slog.Logger, metrics *observability.MetricsCollector) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, metrics: metrics}
}

// Run executes the invocation, waits for it to finish or time out, and
// disposes it. A non-zero exit code is a result, not an error. Only the
// redacted argument vector ever reaches the logs.
func (e *Executor) Run(ctx context.Context, inv *sandbox.Invocation, timeout time.Duration) (*Result, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Disposal is the normal path: unregister from the lifecycle
	// registry and remove the container. The registry only steps in if
	// we never get here.
	defer inv.Dispose()

	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)

	// Kill the runtime client on context cancellation. The runtime
	// stops the container when its client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("sandbox executing",
		slog.String("container", inv.Name),
		slog.Any("args", inv.LogArgs),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("sandbox timed out",
				slog.String("container", inv.Name),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			e.metrics.ObserveRun("timeout", duration)
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			e.metrics.ObserveRun("error", duration)
			return nil, fmt.Errorf("runtime execution failed: %w", runErr)
		}
	}

	e.logger.Info("sandbox completed",
		slog.String("container", inv.Name),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	e.metrics.ObserveRun("ok", duration)

	return &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
