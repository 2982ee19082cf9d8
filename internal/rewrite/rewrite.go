// Package rewrite derives instrumented copies of graphical entry files.
//
// Instead of monkey-patching the target at runtime, the supervisor asks this
// package for a rewritten source whose frame-presentation calls also persist
// PNG snapshots, then executes the derived copy. The transform is a pure
// function of (source, frames dir, cap), so it is testable with fixed
// input/output pairs.
package rewrite

import (
	"fmt"
	"strings"
)

// hookTemplate is prepended to the original source. It wraps
// pygame.display.flip and pygame.display.update so every presented frame is
// also saved to the frames directory, up to the cap.
const hookTemplate = `import os as _vizbox_os
import pygame as _vizbox_pygame

_vizbox_frames = 0
_vizbox_dir = %q
_vizbox_cap = %d

_vizbox_flip = _vizbox_pygame.display.flip
_vizbox_update = _vizbox_pygame.display.update

def _vizbox_capture():
    global _vizbox_frames
    if _vizbox_frames >= _vizbox_cap:
        return
    surface = _vizbox_pygame.display.get_surface()
    if surface is None:
        return
    _vizbox_frames += 1
    _vizbox_pygame.image.save(surface, _vizbox_os.path.join(_vizbox_dir, "frame_%%04d.png" %% _vizbox_frames))

def _vizbox_hooked_flip(*args, **kwargs):
    result = _vizbox_flip(*args, **kwargs)
    _vizbox_capture()
    return result

def _vizbox_hooked_update(*args, **kwargs):
    result = _vizbox_update(*args, **kwargs)
    _vizbox_capture()
    return result

_vizbox_pygame.display.flip = _vizbox_hooked_flip
_vizbox_pygame.display.update = _vizbox_hooked_update

`

// Supported reports whether the library has a frame-hook transform.
// Only pygame exposes a hookable presentation call today.
func Supported(library string) bool {
	return library == "pygame"
}

// Instrument returns a derived copy of source with the frame-capture hook
// injected. framesDir is where the hooked program writes PNG frames; limit
// bounds how many it writes. The source must import pygame somewhere —
// callers gate on classify results, but Instrument double-checks and
// returns ok=false when the hook would be inert.
func Instrument(source, framesDir string, limit int) (derived string, ok bool) {
	if !importsPygame(source) {
		return "", false
	}
	if limit <= 0 {
		return "", false
	}
	hook := fmt.Sprintf(hookTemplate, framesDir, limit)
	return hook + source, true
}

func importsPygame(source string) bool {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import pygame") || strings.HasPrefix(trimmed, "from pygame") {
			return true
		}
	}
	return false
}
