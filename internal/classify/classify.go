// Package classify decides whether a submitted program needs a display.
//
// The routing layer feeds submitted file contents through Classify and uses
// the result to set the needs-display flag on execution requests.
package classify

import (
	"regexp"

	"github.com/jkaninda/vizbox/internal/workspace"
)

// Kind tags a classification result.
type Kind int

const (
	// Plain programs render nothing and need no display.
	Plain Kind = iota
	// Graphical programs import a known graphics or game library.
	Graphical
)

// Result is a tagged classification: Plain, or Graphical with the first
// recognized library name.
type Result struct {
	Kind    Kind
	Library string // Set only when Kind == Graphical.
}

// NeedsDisplay reports whether the program requires a rendering target.
func (r Result) NeedsDisplay() bool {
	return r.Kind == Graphical
}

// graphicalLibs maps recognized library names to the import patterns that
// identify them. Matching is ordered: pygame wins over tkinter so the
// supervisor can pick its higher-fidelity capture path first.
var graphicalLibs = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"pygame", regexp.MustCompile(`(?m)^\s*(import\s+pygame|from\s+pygame\b)`)},
	{"tkinter", regexp.MustCompile(`(?m)^\s*(import\s+tkinter|from\s+tkinter\b|import\s+Tkinter)`)},
	{"turtle", regexp.MustCompile(`(?m)^\s*(import\s+turtle|from\s+turtle\b)`)},
	{"matplotlib", regexp.MustCompile(`(?m)^\s*(import\s+matplotlib|from\s+matplotlib\b)`)},
	{"arcade", regexp.MustCompile(`(?m)^\s*(import\s+arcade|from\s+arcade\b)`)},
}

// Classify scans file contents for known graphics library imports.
func Classify(files []workspace.File) Result {
	for _, lib := range graphicalLibs {
		for _, f := range files {
			if lib.pattern.MatchString(f.Content) {
				return Result{Kind: Graphical, Library: lib.name}
			}
		}
	}
	return Result{Kind: Plain}
}
