package runner

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"
)

func decodeB64(t *testing.T, s string) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decoding image: %v", err)
	}
	return string(data)
}

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func TestRegistryRegisterGetRemove(t *testing.T) {
	r := testRegistry()
	e := newExecution("abc", "/tmp/x", "main.py", 1024)

	r.register(e)
	if got, ok := r.get("abc"); !ok || got != e {
		t.Fatal("get after register failed")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	r.remove("abc")
	if _, ok := r.get("abc"); ok {
		t.Error("execution still present after remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryStaleIDs(t *testing.T) {
	r := testRegistry()

	old := newExecution("old", "", "main.py", 1024)
	old.createdAt = time.Now().Add(-time.Hour)
	fresh := newExecution("fresh", "", "main.py", 1024)

	r.register(old)
	r.register(fresh)

	ids := r.staleIDs(10 * time.Minute)
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("staleIDs = %v, want [old]", ids)
	}
}

func TestStatusMonotonic(t *testing.T) {
	e := newExecution("x", "", "main.py", 1024)

	if !e.setStatus(StatusRunning) {
		t.Fatal("initializing → running rejected")
	}
	if !e.setStatus(StatusCompleted) {
		t.Fatal("running → completed rejected")
	}
	// No exit from a terminal state.
	for _, s := range []Status{StatusRunning, StatusError, StatusStopped, StatusInitializing} {
		if e.setStatus(s) {
			t.Errorf("completed → %s allowed, want rejected", s)
		}
	}
	if got := e.snapshot().Status; got != StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestAppendSnapshotCap(t *testing.T) {
	e := newExecution("x", "", "main.py", 1024)

	for i := 0; i < 2; i++ {
		if !e.appendSnapshot([]byte{1}, 3) {
			t.Fatalf("append %d reported cap reached early", i)
		}
	}
	// Third append fills the cap.
	if e.appendSnapshot([]byte{1}, 3) {
		t.Error("append at cap-1 should report cap reached")
	}
	// Fourth is rejected outright.
	if e.appendSnapshot([]byte{1}, 3) {
		t.Error("append beyond cap accepted")
	}
	if got := len(e.snapshot().Images); got != 3 {
		t.Errorf("snapshots = %d, want 3", got)
	}
}

func TestOutputCap(t *testing.T) {
	e := newExecution("x", "", "main.py", 10)
	e.appendLine("0123456789ABCDEF")
	e.appendLine("more")

	lines := splitLines(e.snapshot().Output)
	if len(lines) != 2 {
		t.Fatalf("lines = %q, want truncated line plus note", lines)
	}
	if lines[0] != "0123456789" {
		t.Errorf("truncated line = %q, want %q", lines[0], "0123456789")
	}
	if lines[1] != "[vizbox] output truncated" {
		t.Errorf("note = %q, want truncation note", lines[1])
	}
}

func TestOutputCapKeepsRunesIntact(t *testing.T) {
	e := newExecution("x", "", "main.py", 5)
	e.appendLine("ααααα") // 2 bytes per rune; a naive cut at 5 splits the third

	out := e.snapshot().Output
	if !utf8.ValidString(out) {
		t.Fatalf("output is not valid UTF-8: %q", out)
	}
	if lines := splitLines(out); lines[0] != "αα" {
		t.Errorf("truncated line = %q, want %q", lines[0], "αα")
	}
}

func TestConsumeFramesOrdersAndCaps(t *testing.T) {
	s := newTestSupervisor(t, nil)
	framesDir := t.TempDir()

	for _, name := range []string{"frame_0002.png", "frame_0001.png", "frame_0003.png"} {
		if err := os.WriteFile(filepath.Join(framesDir, name), []byte(name), 0640); err != nil {
			t.Fatal(err)
		}
	}
	// Non-frame files are ignored.
	if err := os.WriteFile(filepath.Join(framesDir, "notes.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	e := newExecution("x", "", "main.py", 1024)
	e.framesDir = framesDir

	consumed := 0
	if s.consumeFrames(e, &consumed, 2) {
		t.Error("consumeFrames should report cap reached")
	}

	snap := e.snapshot()
	if len(snap.Images) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snap.Images))
	}
	// Frames arrive in name order regardless of directory order.
	if decodeB64(t, snap.Images[0]) != "frame_0001.png" || decodeB64(t, snap.Images[1]) != "frame_0002.png" {
		t.Errorf("frames out of order: %v", snap.Images)
	}
}
