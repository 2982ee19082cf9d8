// Package runner supervises sandboxed executions of submitted programs.
//
// Each execution gets one child process watched by a small fixed set of
// workers: two stream readers, at most one snapshot capturer, and one exit
// waiter. All state lives in the registry; callers poll it and never block
// on the child.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vizbox/internal/classify"
	"github.com/jkaninda/vizbox/internal/config"
	"github.com/jkaninda/vizbox/internal/display"
	"github.com/jkaninda/vizbox/internal/observability"
	"github.com/jkaninda/vizbox/internal/rewrite"
	"github.com/jkaninda/vizbox/internal/workspace"
)

const (
	framesDirName = ".vizbox-frames"
	// killGrace is how long Stop waits after SIGKILL before giving up.
	killGrace = 2 * time.Second
	// maxLineBytes bounds a single output line read from the child.
	maxLineBytes = 256 * 1024
)

// Supervisor spawns and tracks executions.
type Supervisor struct {
	runnerCfg  config.RunnerConfig
	displayCfg config.DisplayConfig
	scratch    *workspace.Manager
	displays   *display.Manager
	registry   *Registry
	metrics    *observability.MetricsCollector
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates a Supervisor. metrics and tracer may be nil.
func New(
	cfg *config.Config,
	scratch *workspace.Manager,
	displays *display.Manager,
	metrics *observability.MetricsCollector,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		runnerCfg:  cfg.Runner,
		displayCfg: cfg.Display,
		scratch:    scratch,
		displays:   displays,
		registry:   NewRegistry(logger),
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
	}
}

// Registry exposes the execution registry (read-side use only).
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Execute materializes files, registers an execution, and spawns the entry
// file. It returns the execution ID as soon as the process is launched;
// progress is observed via Status. Workspace errors are returned
// synchronously and register nothing; spawn failures surface as status
// "error" on the returned execution.
func (s *Supervisor) Execute(ctx context.Context, files []workspace.File, needsDisplay bool) (string, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "runner.execute",
			trace.WithAttributes(attribute.Bool("needs_display", needsDisplay)))
		defer span.End()
	}

	dir, entry, err := s.scratch.Create(files)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	e := newExecution(id, dir, entry, s.runnerCfg.MaxOutputBytes())
	s.registry.register(e)
	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
	}

	// Conditional display, with fallback. Never fails the caller.
	if needsDisplay {
		w, h := s.displayCfg.Dimensions()
		e.handle = s.displays.Start(w, h)
		if s.metrics != nil {
			s.metrics.DisplayStartsTotal.WithLabelValues(string(e.handle.Backend)).Inc()
		}
		if e.handle.Backend == display.BackendRaster {
			e.appendLine("[vizbox] no virtual display server available; rendering on software fallback (reduced fidelity)")
		}
	}

	runEntry := entry
	if e.handle != nil {
		runEntry = s.instrumentEntry(e, files)
	}

	if err := s.spawn(e, runEntry); err != nil {
		// SpawnError: recorded in execution state, never thrown at pollers.
		e.appendLine(fmt.Sprintf("[vizbox] failed to start process: %v", err))
		s.finish(e, StatusError, time.Time{})
		return id, nil
	}

	e.setStatus(StatusRunning)
	s.logger.Info("execution started",
		slog.String("id", id),
		slog.String("entry", runEntry),
		slog.Bool("display", e.handle != nil),
	)
	return id, nil
}

// Status returns a non-blocking read-only snapshot of the execution.
func (s *Supervisor) Status(id string) (StatusSnapshot, bool) {
	e, ok := s.registry.get(id)
	if !ok {
		return StatusSnapshot{}, false
	}
	return e.snapshot(), true
}

// Stop cancels a running execution: graceful terminate, bounded wait,
// forced kill. Idempotent — the first successful call returns true, any
// later call false. If even SIGKILL fails the execution stays running and
// Stop reports failure.
func (s *Supervisor) Stop(id string) bool {
	e, ok := s.registry.get(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	if e.stopReq || e.status.Terminal() || e.cmd == nil || e.cmd.Process == nil {
		e.mu.Unlock()
		return false
	}
	e.stopReq = true
	pid := e.cmd.Process.Pid
	e.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-e.exited:
		return true
	case <-time.After(s.runnerCfg.StopTimeout()):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-e.exited:
		return true
	case <-time.After(killGrace):
		// Kill did not take; report failure and leave the execution running.
		e.mu.Lock()
		e.stopReq = false
		e.mu.Unlock()
		s.logger.Error("forced kill failed", slog.String("id", id))
		return false
	}
}

// Sweep stops executions older than maxAge, deletes their scratch
// directories, and removes them from the registry. Returns the number of
// executions purged.
func (s *Supervisor) Sweep(maxAge time.Duration) int {
	stale := s.registry.staleIDs(maxAge)
	for _, id := range stale {
		e, ok := s.registry.get(id)
		if !ok {
			continue
		}
		if !e.snapshot().Status.Terminal() {
			s.Stop(id)
		}
		s.registry.remove(id)
		if err := os.RemoveAll(e.dir); err != nil {
			s.logger.Warn("failed to remove scratch dir",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
		if s.metrics != nil {
			s.metrics.SweptExecutions.Inc()
		}
		s.logger.Info("execution swept", slog.String("id", id))
	}
	return len(stale)
}

// instrumentEntry writes a derived entry with the frame-capture hook when
// the program uses a supported graphics library. Returns the entry file to
// run (the derived copy, or the original when no hook applies).
func (s *Supervisor) instrumentEntry(e *Execution, files []workspace.File) string {
	res := classify.Classify(files)
	if res.Kind != classify.Graphical || !rewrite.Supported(res.Library) {
		return e.entry
	}

	var source string
	for _, f := range files {
		if f.Name == e.entry {
			source = f.Content
			break
		}
	}

	framesDir := filepath.Join(e.dir, framesDirName)
	derived, ok := rewrite.Instrument(source, framesDir, s.displayCfg.Cap())
	if !ok {
		return e.entry
	}
	if err := os.MkdirAll(framesDir, 0750); err != nil {
		return e.entry
	}

	name := strings.TrimSuffix(e.entry, ".py") + "_instrumented.py"
	if err := os.WriteFile(filepath.Join(e.dir, name), []byte(derived), 0640); err != nil {
		return e.entry
	}

	e.mu.Lock()
	e.framesDir = framesDir
	e.mu.Unlock()
	return name
}

// spawn launches the child and its workers. On instrumented entries a
// start failure falls back to the plain entry with external capture.
func (s *Supervisor) spawn(e *Execution, runEntry string) error {
	cmd, stdout, stderr, err := s.buildCommand(e, runEntry)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil && runEntry != e.entry {
		s.logger.Warn("instrumented entry failed to start, falling back to external capture",
			slog.String("id", e.id),
			slog.String("error", err.Error()),
		)
		e.appendLine("[vizbox] frame hook unavailable; using external capture")
		e.mu.Lock()
		e.framesDir = ""
		e.mu.Unlock()

		cmd, stdout, stderr, err = s.buildCommand(e, e.entry)
		if err == nil {
			err = cmd.Start()
		}
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	start := time.Now()

	// Two stream readers, ordered within each channel.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readLines(e, stdout, "")
	}()
	go func() {
		defer readers.Done()
		s.readLines(e, stderr, "[stderr] ")
	}()

	// At most one snapshot capturer.
	if e.handle != nil {
		go s.captureLoop(e)
	}

	// Exit waiter: reap the child, set the terminal status, release the
	// display, then signal everyone via e.exited.
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()

		e.mu.Lock()
		stopped := e.stopReq
		e.mu.Unlock()

		var final Status
		switch {
		case stopped:
			final = StatusStopped
		case waitErr == nil:
			final = StatusCompleted
		default:
			final = StatusError
		}
		s.finish(e, final, start)
	}()

	return nil
}

// finish records the terminal status, releases the display handle, and
// closes the exited channel. Called exactly once per execution.
func (s *Supervisor) finish(e *Execution, final Status, start time.Time) {
	e.setStatus(final)
	if e.handle != nil {
		s.displays.Stop(e.handle)
	}
	close(e.exited)

	if s.metrics != nil {
		s.metrics.ActiveExecutions.Dec()
		s.metrics.ExecutionsTotal.WithLabelValues(string(final)).Inc()
		if !start.IsZero() {
			s.metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
		}
	}
	s.logger.Info("execution finished",
		slog.String("id", e.id),
		slog.String("status", string(final)),
	)
}

// buildCommand constructs the child process with a sanitized environment,
// the workspace as working directory, and its own process group.
func (s *Supervisor) buildCommand(e *Execution, runEntry string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(s.runnerCfg.InterpreterBin(), runEntry)
	cmd.Dir = e.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = s.buildEnv(e)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return cmd, stdout, stderr, nil
}

// buildEnv constructs a minimal, safe environment. The parent environment
// is never inherited — this keeps host credentials out of submitted code.
func (s *Supervisor) buildEnv(e *Execution) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + e.dir,
		"TMPDIR=" + e.dir,
		"LANG=en_US.UTF-8",
		"PYTHONUNBUFFERED=1",
	}
	if e.handle != nil {
		for k, v := range e.handle.DisplayEnv() {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// readLines appends lines from one output channel until the pipe closes.
// When a line exceeds the per-line bound, the rest of the channel is drained
// and discarded so the child never blocks writing to a full pipe.
func (s *Supervisor) readLines(e *Execution, r io.Reader, prefix string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		e.appendLine(prefix + scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			e.appendLine(prefix + "[vizbox] output line too long; discarding rest of stream")
		}
		_, _ = io.Copy(io.Discard, r)
	}
}

// captureLoop waits out the warm-up delay, then captures on a fixed
// interval until the cap is reached or the process exits.
func (s *Supervisor) captureLoop(e *Execution) {
	limit := s.displayCfg.Cap()
	consumed := 0

	select {
	case <-e.exited:
		// Short run: pick up any frames the hook managed to write.
		s.consumeFrames(e, &consumed, limit)
		return
	case <-time.After(s.displayCfg.Warmup()):
	}

	ticker := time.NewTicker(s.displayCfg.CaptureInterval())
	defer ticker.Stop()

	for {
		if !s.captureOnce(e, &consumed, limit) {
			return
		}
		select {
		case <-e.exited:
			s.consumeFrames(e, &consumed, limit)
			return
		case <-ticker.C:
		}
	}
}

// captureOnce grabs one frame (hook frames directory or external capture).
// Returns false once the snapshot cap is reached.
func (s *Supervisor) captureOnce(e *Execution, consumed *int, limit int) bool {
	e.mu.Lock()
	framesDir := e.framesDir
	handle := e.handle
	count := len(e.snapshots)
	e.mu.Unlock()

	if count >= limit {
		return false
	}
	if framesDir != "" {
		return s.consumeFrames(e, consumed, limit)
	}

	img, err := s.displays.Capture(context.Background(), handle)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CaptureFailures.Inc()
		}
		return true
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return true
	}
	if s.metrics != nil {
		s.metrics.SnapshotsCaptured.Inc()
	}
	return e.appendSnapshot(buf.Bytes(), limit)
}

// consumeFrames appends hook-written frame files in name order, skipping
// ones already collected. Returns false once the cap is reached.
func (s *Supervisor) consumeFrames(e *Execution, consumed *int, limit int) bool {
	e.mu.Lock()
	framesDir := e.framesDir
	e.mu.Unlock()
	if framesDir == "" {
		return true
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return true
	}
	var names []string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "frame_") && strings.HasSuffix(ent.Name(), ".png") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names[min(*consumed, len(names)):] {
		data, err := os.ReadFile(filepath.Join(framesDir, name))
		if err != nil || len(data) == 0 {
			// Possibly mid-write; retry on the next tick.
			return true
		}
		*consumed++
		if s.metrics != nil {
			s.metrics.SnapshotsCaptured.Inc()
		}
		if !e.appendSnapshot(data, limit) {
			return false
		}
	}
	return true
}
