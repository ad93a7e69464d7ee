package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/enclave/internal/lifecycle"
	"github.com/jkaninda/enclave/internal/sandbox"
)

var (
	pullImageRef    string
	pullTimeoutSecs int
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the sandbox image if it is not present locally",
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().StringVar(&pullImageRef, "image", "", "container image to pull")
	pullCmd.Flags().IntVar(&pullTimeoutSecs, "timeout", 300, "pull timeout in seconds")
	_ = pullCmd.MarkFlagRequired("image")
}

func runPull(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx := context.Background()
	timeout := time.Duration(pullTimeoutSecs) * time.Second
	probe := sandbox.NewProbe(logger, lifecycle.Default(), nil)

	exists, err := probe.ImageExists(ctx, pullImageRef, sandbox.DefaultProbeTimeout)
	if err != nil {
		return err
	}
	if exists {
		logger.Info("image already present", slog.String("image", pullImageRef))
		return nil
	}

	return probe.PullImage(ctx, pullImageRef, timeout, func(line string) {
		fmt.Fprintln(os.Stderr, line)
	})
}
