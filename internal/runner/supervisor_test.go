package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/vizbox/internal/config"
	"github.com/jkaninda/vizbox/internal/display"
	"github.com/jkaninda/vizbox/internal/workspace"
)

// newTestSupervisor builds a supervisor with sh as the interpreter so tests
// run without a Python toolchain, and with no real display server so the
// raster fallback is always exercised.
func newTestSupervisor(t *testing.T, mutate func(*config.Config)) *Supervisor {
	t.Helper()

	cfg := &config.Config{
		ScratchRoot: filepath.Join(t.TempDir(), "scratch"),
		Runner: config.RunnerConfig{
			Interpreter:  "sh",
			StopTimeoutS: 1,
		},
		Display: config.DisplayConfig{
			ServerBinary: "definitely-not-a-display-server",
			WarmupMS:     10,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	scratch, err := workspace.NewManager(cfg.ScratchRoot)
	if err != nil {
		t.Fatalf("workspace.NewManager: %v", err)
	}
	displays := display.NewManager(cfg.Display, logger)
	return New(cfg, scratch, displays, nil, nil, logger)
}

// waitForTerminal polls until the execution reaches a terminal status.
func waitForTerminal(t *testing.T, s *Supervisor, id string) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := s.Status(id)
		if !ok {
			t.Fatalf("execution %s vanished", id)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", id)
	return StatusSnapshot{}
}

func TestExecuteCompletes(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "echo line A\necho line B\n"},
	}, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id == "" {
		t.Fatal("Execute returned empty id")
	}

	snap := waitForTerminal(t, s, id)
	if snap.Status != StatusCompleted {
		t.Errorf("status = %q, want completed (output: %q)", snap.Status, snap.Output)
	}
	if snap.Output != "line A\nline B\n" {
		t.Errorf("output = %q, want %q", snap.Output, "line A\nline B\n")
	}
	if len(snap.Images) != 0 {
		t.Errorf("images = %d, want 0 for a non-display run", len(snap.Images))
	}
}

func TestExecuteEmptyFileSet(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := s.Execute(context.Background(), nil, false)
	if !errors.Is(err, workspace.ErrNoFiles) {
		t.Errorf("err = %v, want ErrNoFiles", err)
	}
	if s.Registry().Len() != 0 {
		t.Error("workspace failure must not register an execution")
	}
}

func TestNonZeroExitIsError(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "echo boom >&2\nexit 3\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	snap := waitForTerminal(t, s, id)
	if snap.Status != StatusError {
		t.Errorf("status = %q, want error", snap.Status)
	}
	if want := "[stderr] boom\n"; snap.Output != want {
		t.Errorf("output = %q, want %q", snap.Output, want)
	}
}

func TestStopTwice(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "sleep 30\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if !s.Stop(id) {
		t.Fatal("first Stop = false, want true")
	}
	snap, _ := s.Status(id)
	if snap.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", snap.Status)
	}
	if s.Stop(id) {
		t.Error("second Stop = true, want false")
	}
}

func TestStopUnknownID(t *testing.T) {
	s := newTestSupervisor(t, nil)
	if s.Stop("no-such-id") {
		t.Error("Stop on unknown id = true, want false")
	}
}

func TestDisplayFallbackNotice(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "echo drew a frame\n"},
	}, true)
	if err != nil {
		t.Fatalf("Execute with needs_display: %v", err)
	}

	snap := waitForTerminal(t, s, id)
	if snap.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if !containsLine(snap.Output, "[vizbox] no virtual display server available") {
		t.Errorf("output missing fallback notice: %q", snap.Output)
	}
}

func TestSnapshotCapRespected(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *config.Config) {
		cfg.Display.SnapshotCap = 3
		cfg.Display.CaptureIntervalMS = 20
		cfg.Display.WarmupMS = 10
	})

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "sleep 1\n"},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	snap := waitForTerminal(t, s, id)
	if len(snap.Images) > 3 {
		t.Errorf("images = %d, exceeds cap 3", len(snap.Images))
	}
	if len(snap.Images) == 0 {
		t.Error("expected at least one raster snapshot during a 1s run")
	}
}

func TestOversizedOutputLineStillTerminates(t *testing.T) {
	s := newTestSupervisor(t, nil)

	// One unbroken 1 MB line overflows the per-line reader bound; the
	// reader must keep draining the pipe so the child can exit.
	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "head -c 1048576 /dev/zero | tr '\\0' 'a'\necho\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	snap := waitForTerminal(t, s, id)
	if snap.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if !containsLine(snap.Output, "[vizbox] output line too long") {
		t.Errorf("output missing long-line notice: %q", snap.Output)
	}
}

func TestSweepPurgesOldExecutions(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "echo done\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, s, id)

	e, _ := s.registry.get(id)
	dir := e.dir

	if n := s.Sweep(0); n != 1 {
		t.Errorf("Sweep purged %d executions, want 1", n)
	}
	if _, ok := s.Status(id); ok {
		t.Error("execution still in registry after sweep")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists after sweep", dir)
	}
}

func TestSweepStopsRunningExecutions(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "sleep 30\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if n := s.Sweep(0); n != 1 {
		t.Errorf("Sweep purged %d, want 1", n)
	}
	if _, ok := s.Status(id); ok {
		t.Error("running execution survived sweep")
	}
}

func TestSweepKeepsFreshExecutions(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "echo hi\n"},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, s, id)

	if n := s.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep purged %d fresh executions, want 0", n)
	}
	if _, ok := s.Status(id); !ok {
		t.Error("fresh execution removed by sweep")
	}
}

func TestInstrumentedEntryWritten(t *testing.T) {
	s := newTestSupervisor(t, nil)

	id, err := s.Execute(context.Background(), []workspace.File{
		{Name: "main.py", Content: "import pygame\npygame.init()\n"},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	e, _ := s.registry.get(id)
	if _, statErr := os.Stat(filepath.Join(e.dir, "main_instrumented.py")); statErr != nil {
		t.Errorf("derived entry not written: %v", statErr)
	}
	// sh cannot run Python source; the run fails, but the execution must
	// still reach a terminal status cleanly.
	snap := waitForTerminal(t, s, id)
	if snap.Status != StatusError {
		t.Errorf("status = %q, want error for unrunnable entry", snap.Status)
	}
}

func containsLine(output, prefix string) bool {
	for _, line := range splitLines(output) {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
