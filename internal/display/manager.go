package display

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/vizbox/internal/config"
)

const (
	// serverStartupWait is how long to wait before checking that a freshly
	// launched display server survived its own startup.
	serverStartupWait = 300 * time.Millisecond
)

// Manager starts and stops rendering targets. The system display server
// binary is probed once per manager; each Start picks the backend for that
// execution independently.
type Manager struct {
	cfg    config.DisplayConfig
	logger *slog.Logger

	// binaryPath is the resolved display server binary. Empty = not installed.
	binaryPath string
	// captureBin is the external screen-dump-and-convert tool.
	captureBin string

	// slots is the shared display-number allocation table.
	slotMu sync.Mutex
	slots  map[int]bool
}

// NewManager creates a Manager and probes for the display server binary.
func NewManager(cfg config.DisplayConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		slots:  make(map[int]bool),
	}

	if path, err := exec.LookPath(cfg.Binary()); err == nil {
		m.binaryPath = path
	} else {
		logger.Info("virtual display server not installed, raster fallback will be used",
			slog.String("binary", cfg.Binary()),
		)
	}
	if path, err := exec.LookPath("import"); err == nil {
		m.captureBin = path
	}

	return m
}

// ServerAvailable reports whether the system display server was found.
func (m *Manager) ServerAvailable() bool {
	return m.binaryPath != ""
}

// Start launches a rendering target of the given size. It never fails:
// when the system server is missing, no slot is free, or the server crashes
// during startup, the raster fallback is returned instead.
func (m *Manager) Start(width, height int) *Handle {
	if m.binaryPath != "" {
		if h, err := m.startServer(width, height); err == nil {
			return h
		} else {
			m.logger.Warn("display server start failed, falling back to raster buffer",
				slog.String("error", err.Error()),
			)
		}
	}
	return m.startRaster(width, height)
}

// Stop releases the handle: graceful server shutdown (escalating to kill)
// or halting the raster refresh worker. Idempotent.
func (m *Manager) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	switch h.Backend {
	case BackendServer:
		m.stopServer(h)
	case BackendRaster:
		h.raster.Stop()
	}
}

// IsRunning reports whether the handle's backend is still alive.
func (m *Manager) IsRunning(h *Handle) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return false
	}

	switch h.Backend {
	case BackendServer:
		select {
		case <-h.exited:
			return false
		default:
			return true
		}
	case BackendRaster:
		return h.raster.IsRunning()
	}
	return false
}

// Capture returns the current contents of the rendering target, or nil
// when nothing could be captured. On the system backend this shells out to
// the external dump tool under its own timeout; on the raster backend it
// copies the buffer directly.
func (m *Manager) Capture(ctx context.Context, h *Handle) (image.Image, error) {
	if h == nil {
		return nil, fmt.Errorf("display: nil handle")
	}

	switch h.Backend {
	case BackendRaster:
		img := h.raster.Snapshot()
		if img == nil {
			return nil, fmt.Errorf("display: raster buffer not started")
		}
		return img, nil

	case BackendServer:
		if m.captureBin == "" {
			return nil, fmt.Errorf("display: no screen-dump tool installed")
		}
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CaptureTimeout())
		defer cancel()

		cmd := exec.CommandContext(ctx, m.captureBin, "-display", displayName(h.slot), "-window", "root", "png:-")
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("display: screen dump on %s: %w", displayName(h.slot), err)
		}
		img, err := png.Decode(&out)
		if err != nil {
			return nil, fmt.Errorf("display: decoding screen dump: %w", err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("display: unknown backend %q", h.Backend)
}

// startServer allocates a free display slot and launches the server there.
func (m *Manager) startServer(width, height int) (*Handle, error) {
	slot, err := m.allocateSlot()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(m.binaryPath,
		displayName(slot),
		"-screen", "0", fmt.Sprintf("%dx%dx24", width, height),
		"-nolisten", "tcp",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		m.freeSlot(slot)
		return nil, fmt.Errorf("launching %s on %s: %w", m.cfg.Binary(), displayName(slot), err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// Verify the server survived startup.
	select {
	case <-exited:
		m.freeSlot(slot)
		return nil, fmt.Errorf("%s exited during startup on %s", m.cfg.Binary(), displayName(slot))
	case <-time.After(serverStartupWait):
	}

	m.logger.Info("virtual display server started",
		slog.String("display", displayName(slot)),
		slog.String("size", fmt.Sprintf("%dx%d", width, height)),
	)

	return &Handle{
		Backend: BackendServer,
		Width:   width,
		Height:  height,
		slot:    slot,
		cmd:     cmd,
		exited:  exited,
	}, nil
}

func (m *Manager) startRaster(width, height int) *Handle {
	rb := NewRasterBuffer()
	rb.Start(width, height)
	m.logger.Info("raster fallback display started",
		slog.String("size", fmt.Sprintf("%dx%d", width, height)),
	)
	return &Handle{
		Backend: BackendRaster,
		Width:   width,
		Height:  height,
		raster:  rb,
	}
}

// stopServer terminates the display server, escalating to SIGKILL after
// the graceful bound, then frees the slot.
func (m *Manager) stopServer(h *Handle) {
	defer m.freeSlot(h.slot)

	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	// Signal the whole process group.
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-h.exited:
		return
	case <-time.After(5 * time.Second):
	}

	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	<-h.exited
}

// allocateSlot scans the bounded slot range for a display number that is
// neither held by this manager nor locked by another X server on the host.
func (m *Manager) allocateSlot() (int, error) {
	lo, hi := m.cfg.SlotRange()

	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	for slot := lo; slot <= hi; slot++ {
		if m.slots[slot] {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf("/tmp/.X%d-lock", slot)); err == nil {
			continue
		}
		m.slots[slot] = true
		return slot, nil
	}
	return 0, fmt.Errorf("no free display slot in %d-%d", lo, hi)
}

func (m *Manager) freeSlot(slot int) {
	m.slotMu.Lock()
	delete(m.slots, slot)
	m.slotMu.Unlock()
}

func displayName(slot int) string {
	return fmt.Sprintf(":%d", slot)
}
