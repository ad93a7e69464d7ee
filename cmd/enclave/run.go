package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/enclave/internal/config"
	"github.com/jkaninda/enclave/internal/executor"
	"github.com/jkaninda/enclave/internal/lifecycle"
	"github.com/jkaninda/enclave/internal/observability"
	"github.com/jkaninda/enclave/internal/sandbox"
)

var (
	runConfigPath  string
	runImage       string
	runHostDir     string
	runNetwork     string
	runReadOnly    bool
	runEnv         []string
	runTimeoutSecs int
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command inside the sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSandboxed,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runImage, "image", "", "container image (overrides config)")
	runCmd.Flags().StringVar(&runHostDir, "dir", ".", "host directory mounted as the workspace")
	runCmd.Flags().StringVar(&runNetwork, "network", "", `network mode: "none" or "bridge" (overrides config)`)
	runCmd.Flags().BoolVar(&runReadOnly, "read-only", false, "mount the workspace read-only")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().IntVar(&runTimeoutSecs, "timeout", 0, "wall-clock timeout in seconds (0 = default)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
}

func runSandboxed(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sc := cfg.Sandbox.ToSandbox()
	applyRunOverrides(&sc)

	metrics := setupMetrics(cfg, logger)
	registry := lifecycle.Default()

	ctx := context.Background()
	probe := sandbox.NewProbe(logger, registry, metrics)
	res, err := probe.PrepareSandbox(ctx, sc, func(line string) {
		fmt.Fprintln(os.Stderr, line)
	})
	if err != nil {
		return err
	}

	builder := sandbox.NewBuilder(logger, registry, metrics)
	inv, err := builder.Build(res, sandbox.RunOptions{
		HostDir: runHostDir,
		Command: args[0],
		Args:    args[1:],
		Env:     parseEnvFlags(runEnv),
	})
	if err != nil {
		return err
	}

	timeout := cfg.Sandbox.RunTimeout()
	if runTimeoutSecs > 0 {
		timeout = time.Duration(runTimeoutSecs) * time.Second
	}

	result, err := executor.New(logger, metrics).Run(ctx, inv, timeout)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)

	registry.RunAll()
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

// loadConfig reads the config file. A missing file at the default
// location is fine (flags carry the configuration); a missing file the
// user pointed at explicitly is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := goutils.Env("ENCLAVE_CONFIG", runConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") && os.Getenv("ENCLAVE_CONFIG") == "" {
			c := &config.Config{}
			c.Sandbox.Enabled = true
			return c, nil
		}
		return nil, err
	}
	return cfg, nil
}

// applyRunOverrides applies CLI flags on top of the loaded config.
func applyRunOverrides(sc *sandbox.Config) {
	if runImage != "" {
		sc.Image = runImage
		sc.Enabled = true
	}
	if runNetwork != "" {
		sc.Network = sandbox.NetworkMode(runNetwork)
	}
	if runReadOnly {
		if sc.Mount == nil {
			sc.Mount = &sandbox.MountSpec{}
		}
		sc.Mount.ReadOnly = true
	}
}

// parseEnvFlags turns repeated KEY=VALUE flags into a map. Malformed
// entries without '=' are kept with an empty value; the builder's
// injection filter has the final say.
func parseEnvFlags(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, _ := strings.Cut(e, "=")
		env[k] = v
	}
	return env
}

// setupMetrics starts the Prometheus endpoint when configured and
// returns the collector, or nil when metrics are off.
func setupMetrics(cfg *config.Config, logger *slog.Logger) *observability.MetricsCollector {
	addr, path := runMetricsAddr, "/metrics"
	if addr == "" && cfg.Metrics != nil && cfg.Metrics.Enabled {
		addr = cfg.Metrics.ListenAddr
		if addr == "" {
			addr = ":9464"
		}
		if cfg.Metrics.Path != "" {
			path = cfg.Metrics.Path
		}
	}
	if addr == "" {
		return nil
	}

	metrics := observability.NewMetricsCollector()
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics endpoint failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics endpoint listening", slog.String("addr", addr), slog.String("path", path))
	return metrics
}
