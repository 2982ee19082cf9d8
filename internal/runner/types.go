package runner

import (
	"bytes"
	"encoding/base64"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/vizbox/internal/display"
)

// Status is the lifecycle state of one execution. Transitions are
// monotonic: initializing → running → {completed, error, stopped}.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// StatusSnapshot is the non-blocking read-only view returned to pollers.
type StatusSnapshot struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Output     string    `json:"output"`
	Images     []string  `json:"images"` // base64-encoded PNG frames, capture order.
	CreatedAt  time.Time `json:"created_at"`
	LastUpdate time.Time `json:"last_update"`
}

// Execution is one run of a submitted program. Owned exclusively by the
// registry; mutated only by the supervisor's workers; destroyed by sweep.
type Execution struct {
	id        string
	dir       string
	entry     string
	createdAt time.Time

	mu         sync.Mutex
	status     Status
	output     bytes.Buffer
	outputCap  int
	truncated  bool
	snapshots  [][]byte // encoded PNG, capture order
	lastUpdate time.Time
	stopReq    bool

	cmd       *exec.Cmd
	handle    *display.Handle
	framesDir string // non-empty when the frame hook is active

	// exited is closed by the exit waiter once the process is reaped and
	// the final status is set.
	exited chan struct{}
}

func newExecution(id, dir, entry string, outputCap int) *Execution {
	now := time.Now()
	return &Execution{
		id:         id,
		dir:        dir,
		entry:      entry,
		createdAt:  now,
		status:     StatusInitializing,
		outputCap:  outputCap,
		lastUpdate: now,
		exited:     make(chan struct{}),
	}
}

// setStatus applies a monotonic transition. Returns false when the current
// status is terminal.
func (e *Execution) setStatus(s Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	e.status = s
	e.lastUpdate = time.Now()
	return true
}

// appendLine appends one output line, respecting the output cap. Output is
// append-only while the process is alive. The first line that hits the cap
// is cut on a rune boundary and followed by a single truncation note; later
// lines are dropped.
func (e *Execution) appendLine(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.truncated {
		return
	}
	remaining := e.outputCap - e.output.Len()
	if remaining <= 0 {
		e.markTruncatedLocked()
		return
	}
	if len(line)+1 > remaining {
		e.output.WriteString(truncateOnRuneBoundary(line, remaining))
		e.output.WriteByte('\n')
		e.markTruncatedLocked()
		return
	}
	e.output.WriteString(line)
	e.output.WriteByte('\n')
	e.lastUpdate = time.Now()
}

// markTruncatedLocked records that the cap was hit, exactly once.
// Caller holds e.mu.
func (e *Execution) markTruncatedLocked() {
	e.truncated = true
	e.output.WriteString("[vizbox] output truncated\n")
	e.lastUpdate = time.Now()
}

// truncateOnRuneBoundary cuts s to at most n bytes without splitting a
// multi-byte rune.
func truncateOnRuneBoundary(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// appendSnapshot stores one encoded frame. Returns false once the cap is
// reached — capture simply stops there.
func (e *Execution) appendSnapshot(encoded []byte, limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.snapshots) >= limit {
		return false
	}
	e.snapshots = append(e.snapshots, encoded)
	e.lastUpdate = time.Now()
	return len(e.snapshots) < limit
}

// snapshot returns a read-only copy of the current state.
func (e *Execution) snapshot() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	images := make([]string, len(e.snapshots))
	for i, s := range e.snapshots {
		images[i] = base64.StdEncoding.EncodeToString(s)
	}
	return StatusSnapshot{
		ID:         e.id,
		Status:     e.status,
		Output:     e.output.String(),
		Images:     images,
		CreatedAt:  e.createdAt,
		LastUpdate: e.lastUpdate,
	}
}

// age returns how long ago the execution was created.
func (e *Execution) age(now time.Time) time.Duration {
	return now.Sub(e.createdAt)
}
