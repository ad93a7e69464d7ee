package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/enclave/internal/lifecycle"
)

// writeFakeRuntime installs a shell script standing in for the container
// runtime binary and returns its path.
func writeFakeRuntime(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake runtime: %v", err)
	}
	return path
}

func newTestProbe(t *testing.T, script string) *Probe {
	t.Helper()
	p := NewProbe(testLogger(), lifecycle.NewRegistry(testLogger()), nil)
	p.binary = writeFakeRuntime(t, script)
	return p
}

func TestImageExistsTrue(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\nexit 0\n")

	ok, err := p.ImageExists(context.Background(), "alpine:3.19", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("ImageExists = false, want true")
	}
}

func TestImageExistsFalseOnNonZeroExit(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\necho 'No such image' 1>&2\nexit 1\n")

	ok, err := p.ImageExists(context.Background(), "missing:latest", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("ImageExists = true, want false")
	}
}

func TestImageExistsRuntimeUnavailable(t *testing.T) {
	p := NewProbe(testLogger(), lifecycle.NewRegistry(testLogger()), nil)
	p.binary = filepath.Join(t.TempDir(), "no-such-runtime")

	_, err := p.ImageExists(context.Background(), "alpine:3.19", 5*time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Errorf("error = %T (%v), want *RuntimeError", err, err)
	}
}

func TestImageExistsTimeout(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\nexec sleep 5\n")

	_, err := p.ImageExists(context.Background(), "alpine:3.19", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout", err)
	}
}

func TestPullImageStreamsProgress(t *testing.T) {
	p := newTestProbe(t, `#!/bin/sh
echo "layer one"
echo "layer two"
echo "a warning" 1>&2
exit 0
`)

	var (
		mu    sync.Mutex
		lines []string
	)
	err := p.PullImage(context.Background(), "alpine:3.19", 5*time.Second, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := strings.Join(lines, "\n")
	for _, want := range []string{"layer one", "layer two", "a warning"} {
		if !strings.Contains(got, want) {
			t.Errorf("progress output missing %q:\n%s", want, got)
		}
	}
}

func TestPullImageFailureCarriesOutput(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\necho 'manifest unknown' 1>&2\nexit 3\n")

	err := p.PullImage(context.Background(), "ghost:latest", 5*time.Second, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var rtErr *RuntimeError
	if !errors.As(err, &rtErr) {
		t.Fatalf("error = %T (%v), want *RuntimeError", err, err)
	}
	if rtErr.Image != "ghost:latest" {
		t.Errorf("image = %q, want ghost:latest", rtErr.Image)
	}
	if !strings.Contains(rtErr.Output, "manifest unknown") {
		t.Errorf("output = %q, want captured stderr", rtErr.Output)
	}
}

func TestPullImageTimeout(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\necho started\nexec sleep 5\n")

	err := p.PullImage(context.Background(), "slow:latest", 200*time.Millisecond, nil)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout", err)
	}
}

func TestPullImageCallbackPanicRecovered(t *testing.T) {
	p := newTestProbe(t, "#!/bin/sh\necho one\necho two\nexit 0\n")

	err := p.PullImage(context.Background(), "alpine:3.19", 5*time.Second, func(string) {
		panic("display layer blew up")
	})
	if err != nil {
		t.Fatalf("callback panic escaped the probe: %v", err)
	}
}

func TestPrepareSandboxPullsWhenMissing(t *testing.T) {
	// inspect reports the image missing; pull succeeds.
	p := newTestProbe(t, `#!/bin/sh
case "$1" in
image) exit 1 ;;
pull) echo "pulled $2"; exit 0 ;;
esac
exit 2
`)

	var (
		mu    sync.Mutex
		lines []string
	)
	res, err := p.PrepareSandbox(context.Background(), validConfig(), func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Image != "alpine:3.19" {
		t.Errorf("resolved image = %q, want alpine:3.19", res.Image)
	}
	if len(lines) == 0 || !strings.Contains(lines[0], "pulled") {
		t.Errorf("progress lines = %q, want pull output", lines)
	}
}

func TestPrepareSandboxSkipsPullWhenPresent(t *testing.T) {
	// inspect succeeds; a pull attempt would exit 9 and fail the test.
	p := newTestProbe(t, `#!/bin/sh
case "$1" in
image) exit 0 ;;
esac
exit 9
`)

	if _, err := p.PrepareSandbox(context.Background(), validConfig(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPrepareSandboxFailsFastOnBadConfig(t *testing.T) {
	// The runtime script would fail loudly; validation must refuse the
	// config before any subprocess starts.
	p := newTestProbe(t, "#!/bin/sh\nexit 9\n")

	cfg := validConfig()
	cfg.Image = ""
	_, err := p.PrepareSandbox(context.Background(), cfg, nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %T (%v), want *ConfigError", err, err)
	}
}
