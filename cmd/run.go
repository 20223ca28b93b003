package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-gate/internal/config"
	"github.com/kozaktomas/face-gate/internal/gate"
)

const shutdownGrace = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the access controller",
	Long: `Run the access controller until SIGINT or SIGTERM.

Local users are loaded from the enrollment directory, remote users are
mirrored from the sync endpoints, and every camera in the cameras file gets
its own decision worker. Set STATUS_ADDR to expose the status API.`,
	RunE: runGate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("cameras", "", "Cameras file (overrides CAMERAS_FILE)")
	runCmd.Flags().String("status-addr", "", "Status server address (overrides STATUS_ADDR)")
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if v := mustGetString(cmd, "cameras"); v != "" {
		cfg.CamerasFile = v
	}
	if v := mustGetString(cmd, "status-addr"); v != "" {
		cfg.Status.Addr = v
	}

	logger, closeLog, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := gate.New(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, gate.ErrNoCameras) {
			logger.Error("No camera is available, exiting", "cameras_file", cfg.CamerasFile)
		}
		return fmt.Errorf("starting gate: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGrace):
		return errors.New("tasks did not stop within the shutdown grace period")
	}
}
