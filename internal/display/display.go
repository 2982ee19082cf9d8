// Package display provides an off-screen rendering target for graphical
// executions. It prefers a system virtual display server (Xvfb) and falls
// back to a software raster buffer when none is available. Callers depend
// only on Start/Stop/Capture/IsRunning and never branch on the backend.
package display

import (
	"os/exec"
	"sync"
)

// Backend identifies which rendering target backs a handle.
type Backend string

const (
	// BackendServer is a system virtual display server process (Xvfb).
	BackendServer Backend = "system-server"
	// BackendRaster is the in-process software fallback.
	BackendRaster Backend = "raster-fallback"
)

// Handle is one live rendering target, owned 1:1 by a running execution
// and released on process termination.
type Handle struct {
	Backend Backend
	Width   int
	Height  int

	// system-server backend.
	slot   int
	cmd    *exec.Cmd
	exited chan struct{} // closed when the server process exits

	// raster-fallback backend.
	raster *RasterBuffer

	mu      sync.Mutex
	stopped bool
}

// DisplayEnv returns the environment variables the child process needs to
// render onto this handle. The raster backend has no real display, so SDL
// is pointed at its dummy video driver.
func (h *Handle) DisplayEnv() map[string]string {
	if h.Backend == BackendServer {
		return map[string]string{"DISPLAY": displayName(h.slot)}
	}
	return map[string]string{"SDL_VIDEODRIVER": "dummy"}
}
