package display

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"testing"

	"github.com/jkaninda/vizbox/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// skipIfNoXvfb skips tests that need a real virtual display server.
func skipIfNoXvfb(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("Xvfb"); err != nil {
		t.Skip("Xvfb not available, skipping")
	}
}

func TestManagerFallsBackWhenServerMissing(t *testing.T) {
	// Point the manager at a binary that cannot exist.
	m := NewManager(config.DisplayConfig{ServerBinary: "definitely-not-a-display-server"}, testLogger())
	if m.ServerAvailable() {
		t.Fatal("ServerAvailable = true for a nonexistent binary")
	}

	h := m.Start(320, 240)
	defer m.Stop(h)

	if h.Backend != BackendRaster {
		t.Fatalf("backend = %q, want %q", h.Backend, BackendRaster)
	}
	if !m.IsRunning(h) {
		t.Error("raster handle should be running")
	}

	img, err := m.Capture(context.Background(), h)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Errorf("captured size = %v, want 320x240", img.Bounds())
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	m := NewManager(config.DisplayConfig{ServerBinary: "definitely-not-a-display-server"}, testLogger())
	h := m.Start(100, 100)

	m.Stop(h)
	if m.IsRunning(h) {
		t.Error("handle running after Stop")
	}
	m.Stop(h) // must not panic or block
}

func TestManagerRasterEnv(t *testing.T) {
	m := NewManager(config.DisplayConfig{ServerBinary: "definitely-not-a-display-server"}, testLogger())
	h := m.Start(100, 100)
	defer m.Stop(h)

	env := h.DisplayEnv()
	if env["SDL_VIDEODRIVER"] != "dummy" {
		t.Errorf("raster env = %v, want SDL_VIDEODRIVER=dummy", env)
	}
}

func TestManagerServerBackend(t *testing.T) {
	skipIfNoXvfb(t)

	m := NewManager(config.DisplayConfig{}, testLogger())
	h := m.Start(640, 480)
	defer m.Stop(h)

	if h.Backend != BackendServer {
		t.Fatalf("backend = %q, want %q", h.Backend, BackendServer)
	}
	if !m.IsRunning(h) {
		t.Error("server handle should be running")
	}
	if env := h.DisplayEnv(); env["DISPLAY"] == "" {
		t.Error("server env missing DISPLAY")
	}
}

func TestSlotAllocation(t *testing.T) {
	m := NewManager(config.DisplayConfig{SlotMin: 500, SlotMax: 501}, testLogger())

	s1, err := m.allocateSlot()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.allocateSlot()
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Errorf("allocated the same slot twice: %d", s1)
	}
	if _, err := m.allocateSlot(); err == nil {
		t.Error("expected exhaustion error with all slots taken")
	}

	m.freeSlot(s1)
	s3, err := m.allocateSlot()
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if s3 != s1 {
		t.Errorf("freed slot %d not reused, got %d", s1, s3)
	}
}
