package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/jkaninda/enclave/internal/lifecycle"
	"github.com/jkaninda/enclave/internal/observability"
)

// maxCapturedOutput caps the diagnostic output retained from a runtime
// subprocess.
const maxCapturedOutput = 64 << 10 // 64 KiB

// Probe checks and prepares container images through the external
// runtime. All invocations are argument-vector subprocess calls bounded
// by caller-supplied timeouts; a subprocess exceeding its bound is
// forcibly terminated.
type Probe struct {
	binary   string
	logger   *slog.Logger
	registry *lifecycle.Registry
	metrics  *observability.MetricsCollector
}

// NewProbe creates a Probe. metrics may be nil.
func NewProbe(logger *slog.Logger, registry *lifecycle.Registry, metrics *observability.MetricsCollector) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = lifecycle.Default()
	}
	return &Probe{
		binary:   runtimeBinary,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
	}
}

// ImageExists reports whether the image is present locally. A non-zero
// inspect exit means "not present"; only a timeout or a failure to run
// the runtime at all is an error.
func (p *Probe) ImageExists(ctx context.Context, image string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.binary, "image", "inspect", "--format", "{{.Id}}", image).CombinedOutput()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, &RuntimeError{Op: "inspect", Image: image, Output: truncateOutput(out), Err: fmt.Errorf("timed out after %s", timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, &RuntimeError{Op: "inspect", Image: image, Output: truncateOutput(out), Err: err}
}

// PullImage pulls the image, streaming raw output lines to onProgress
// as they arrive. onProgress may be nil; a panic inside it is recovered
// and logged, never crashing the pull. A non-zero exit or a timeout
// surfaces as a *RuntimeError carrying the captured output.
func (p *Probe) PullImage(ctx context.Context, image string, timeout time.Duration, onProgress func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary, "pull", image)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &RuntimeError{Op: "pull", Image: image, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &RuntimeError{Op: "pull", Image: image, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		p.metrics.ObservePull("error", time.Since(start))
		return &RuntimeError{Op: "pull", Image: image, Err: err}
	}

	var (
		mu       sync.Mutex
		captured bytes.Buffer
	)
	consume := func(r *bufio.Scanner) {
		for r.Scan() {
			line := r.Text()
			mu.Lock()
			if captured.Len() < maxCapturedOutput {
				captured.WriteString(line)
				captured.WriteByte('\n')
			}
			mu.Unlock()
			p.reportProgress(onProgress, line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); consume(bufio.NewScanner(stdout)) }()
	go func() { defer wg.Done(); consume(bufio.NewScanner(stderr)) }()
	wg.Wait()

	err = cmd.Wait()
	duration := time.Since(start)
	if err != nil {
		p.metrics.ObservePull("error", duration)
		if ctx.Err() != nil {
			return &RuntimeError{Op: "pull", Image: image, Output: truncateOutput(captured.Bytes()), Err: fmt.Errorf("timed out after %s", timeout)}
		}
		return &RuntimeError{Op: "pull", Image: image, Output: truncateOutput(captured.Bytes()), Err: err}
	}

	p.metrics.ObservePull("ok", duration)
	p.logger.Info("image pulled",
		slog.String("image", image),
		slog.Duration("duration", duration),
	)
	return nil
}

// reportProgress delivers one output line to the callback. The callback
// is display-only and never trusted: a panic is contained here.
func (p *Probe) reportProgress(onProgress func(string), line string) {
	if onProgress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("progress callback panicked",
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	onProgress(line)
}

// PrepareSandbox is the orchestration entry point: resolve the
// configuration, install the lifecycle handlers (idempotent), check the
// image, pull it if absent, and return the resolved configuration ready
// for repeated invocation building.
func (p *Probe) PrepareSandbox(ctx context.Context, cfg Config, onProgress func(string)) (Resolved, error) {
	res, err := Resolve(cfg)
	if err != nil {
		return Resolved{}, err
	}

	p.registry.EnsureHandlers(lifecycle.Host)

	exists, err := p.ImageExists(ctx, res.Image, res.ProbeTimeout)
	if err != nil {
		return Resolved{}, err
	}
	if !exists {
		p.logger.Info("image not present, pulling",
			slog.String("image", res.Image),
			slog.Duration("timeout", res.PullTimeout),
		)
		if err := p.PullImage(ctx, res.Image, res.PullTimeout, onProgress); err != nil {
			return Resolved{}, err
		}
	}
	return res, nil
}

// truncateOutput trims captured subprocess output to the diagnostic cap.
func truncateOutput(out []byte) string {
	s := string(bytes.TrimSpace(out))
	if len(s) > maxCapturedOutput {
		s = s[:maxCapturedOutput]
	}
	return s
}
