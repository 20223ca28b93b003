package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-gate/internal/config"
	"github.com/kozaktomas/face-gate/internal/faceapi"
	"github.com/kozaktomas/face-gate/internal/users"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Enroll new local users from the faces directory",
	Long: `Encode every image in the faces directory, add the users to the local
cache and delete the processed images. The user name is the file name
without extension. Users already in the cache are kept.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("dir", "", "Enrollment directory (overrides AUTHORIZED_FACES_PATH)")
	ingestCmd.Flags().Bool("json", false, "Output as JSON")
}

type ingestOutput struct {
	users.IngestResult
	Failures map[string]string `json:"failures,omitempty"`
	Local    int               `json:"local_users"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if dir := mustGetString(cmd, "dir"); dir != "" {
		cfg.Faces.Path = dir
		if os.Getenv("LOCAL_CACHE_FILE") == "" {
			cfg.Faces.CacheFile = filepath.Join(dir, filepath.Base(cfg.Faces.CacheFile))
		}
	}
	jsonOutput := mustGetBool(cmd, "json")

	logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	faces := faceapi.NewClient(cfg.FaceAPI.URL, cfg.Timing.HTTPTimeout)
	directory := users.NewDirectory(faces, logger)

	var bar *progressbar.ProgressBar
	failures := make(map[string]string)
	opts := users.IngestOptions{
		Dir:       cfg.Faces.Path,
		CacheFile: cfg.Faces.CacheFile,
		OnScan: func(total int) {
			if !jsonOutput && total > 0 {
				bar = newIngestProgressBar(total)
			}
		},
		OnFile: func(path string, err error) {
			if err != nil {
				failures[filepath.Base(path)] = err.Error()
			}
			if bar != nil {
				bar.Add(1)
			}
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := directory.IngestLocal(ctx, opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("ingesting local users: %w", err)
	}

	local, _ := directory.Counts()
	if jsonOutput {
		return outputJSON(ingestOutput{IngestResult: result, Failures: failures, Local: local})
	}

	fmt.Printf("\nLoaded %d cached users, found %d new images\n", result.Cached, result.Found)
	fmt.Printf("  Added:  %d\n", result.Added)
	fmt.Printf("  Failed: %d\n", result.Failed)
	for name, msg := range failures {
		fmt.Printf("  - %s: %s\n", name, msg)
	}
	fmt.Printf("Local users: %d (cache: %s)\n", local, cfg.Faces.CacheFile)
	return nil
}

func newIngestProgressBar(count int) *progressbar.ProgressBar {
	return progressbar.NewOptions(count,
		progressbar.OptionSetDescription("Enrolling faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
}
