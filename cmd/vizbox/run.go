package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vizbox/internal/classify"
	"github.com/jkaninda/vizbox/internal/config"
	"github.com/jkaninda/vizbox/internal/display"
	"github.com/jkaninda/vizbox/internal/runner"
	"github.com/jkaninda/vizbox/internal/workspace"
)

var (
	runDisplay   bool
	runFramesDir string
	runTimeout   int
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Run local source files once and print the captured output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().BoolVar(&runDisplay, "display", false, "force a display even if no graphics library is detected")
	runCmd.Flags().StringVar(&runFramesDir, "save-frames", "", "directory to write captured frames into")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 120, "seconds to wait for completion")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goEnvConfigPath())
	if err != nil {
		return err
	}

	var files []workspace.File
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		files = append(files, workspace.File{Name: filepath.Base(path), Content: string(data)})
	}

	scratch, err := workspace.NewManager(cfg.ScratchRoot)
	if err != nil {
		return err
	}
	displays := display.NewManager(cfg.Display, logger)
	supervisor := runner.New(cfg, scratch, displays, nil, nil, logger)

	needsDisplay := runDisplay || classify.Classify(files).NeedsDisplay()

	id, err := supervisor.Execute(context.Background(), files, needsDisplay)
	if err != nil {
		return err
	}
	defer supervisor.Sweep(0)

	deadline := time.Now().Add(time.Duration(runTimeout) * time.Second)
	var snap runner.StatusSnapshot
	for {
		snap, _ = supervisor.Status(id)
		if snap.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			supervisor.Stop(id)
			snap, _ = supervisor.Status(id)
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Print(snap.Output)
	fmt.Fprintf(os.Stderr, "status: %s, frames: %d\n", snap.Status, len(snap.Images))

	if runFramesDir != "" && len(snap.Images) > 0 {
		if err := saveFrames(runFramesDir, snap.Images); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "frames written to %s\n", runFramesDir)
	}

	if snap.Status != runner.StatusCompleted {
		return fmt.Errorf("execution finished with status %s", snap.Status)
	}
	return nil
}

func saveFrames(dir string, images []string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating frames dir: %w", err)
	}
	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return fmt.Errorf("decoding frame %d: %w", i, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i+1))
		if err := os.WriteFile(path, data, 0640); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}
