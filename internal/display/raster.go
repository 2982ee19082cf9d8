package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	gridStep        = 40
	refreshInterval = time.Second
)

// RasterBuffer is the software display fallback: an in-memory canvas with a
// periodic self-refresh so consecutive snapshots prove liveness.
//
// On start the canvas is filled with a diagnostic grid and caption, making a
// degraded capture visually distinguishable from a blank or broken one. A
// background goroutine redraws a timestamp overlay at ~1 Hz.
type RasterBuffer struct {
	mu      sync.Mutex
	canvas  *image.RGBA
	running bool
	done    chan struct{}
}

// NewRasterBuffer creates a stopped buffer. Call Start before Snapshot.
func NewRasterBuffer() *RasterBuffer {
	return &RasterBuffer{}
}

// Start allocates the canvas, draws the diagnostic pattern, and launches
// the refresh goroutine. Starting a running buffer is a no-op.
func (b *RasterBuffer) Start(width, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}

	b.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	b.drawBaseLocked()
	b.drawTimestampLocked(time.Now())

	b.running = true
	b.done = make(chan struct{})
	go b.refreshLoop(b.done)
}

// Stop halts the refresh goroutine. Idempotent.
func (b *RasterBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.done)
}

// IsRunning reports whether the refresh goroutine is active.
func (b *RasterBuffer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Snapshot returns a deep copy of the current canvas, never a live
// reference. Returns nil when the buffer has not been started.
func (b *RasterBuffer) Snapshot() *image.RGBA {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.canvas == nil {
		return nil
	}
	cp := image.NewRGBA(b.canvas.Rect)
	copy(cp.Pix, b.canvas.Pix)
	return cp
}

func (b *RasterBuffer) refreshLoop(done chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			if b.running {
				b.drawBaseLocked()
				b.drawTimestampLocked(now)
			}
			b.mu.Unlock()
		}
	}
}

// drawBaseLocked fills the canvas with the diagnostic grid and caption.
// Caller holds b.mu.
func (b *RasterBuffer) drawBaseLocked() {
	bounds := b.canvas.Rect
	bg := color.RGBA{R: 24, G: 26, B: 32, A: 255}
	line := color.RGBA{R: 60, G: 64, B: 76, A: 255}

	draw.Draw(b.canvas, bounds, &image.Uniform{C: bg}, image.Point{}, draw.Src)

	for x := bounds.Min.X; x < bounds.Max.X; x += gridStep {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			b.canvas.SetRGBA(x, y, line)
		}
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y += gridStep {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			b.canvas.SetRGBA(x, y, line)
		}
	}

	b.drawTextLocked(10, 20, "vizbox software display (no virtual display server found)")
	b.drawTextLocked(10, 36, "program output is headless; this canvas is a placeholder")
}

// drawTimestampLocked overlays the current time near the bottom edge.
// Caller holds b.mu.
func (b *RasterBuffer) drawTimestampLocked(now time.Time) {
	y := b.canvas.Rect.Max.Y - 12
	b.drawTextLocked(10, y, fmt.Sprintf("refreshed %s", now.Format("15:04:05")))
}

// drawTextLocked renders one line of text at (x, y) using the built-in
// bitmap face. Caller holds b.mu.
func (b *RasterBuffer) drawTextLocked(x, y int, s string) {
	d := font.Drawer{
		Dst:  b.canvas,
		Src:  image.NewUniform(color.RGBA{R: 220, G: 224, B: 232, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
