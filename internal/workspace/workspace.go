// Package workspace materializes submitted source files into isolated
// per-execution scratch directories and resolves the entry file.
//
// A scratch directory is created fresh for every execution, written once,
// and treated as read-only afterwards. Deletion is the registry's job.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors. All of them are WorkspaceError-class failures: they are
// returned synchronously and no execution is ever registered for them.
var (
	ErrNoFiles         = errors.New("workspace: no files submitted")
	ErrInvalidFileName = errors.New("workspace: invalid file name")
	ErrNoEntryFile     = errors.New("workspace: no entry file found")
)

// entryAllowList is the priority order for conventional entry file names.
var entryAllowList = []string{"main.py", "app.py", "game.py", "run.py", "index.py"}

const sourceExt = ".py"

// File is one named source file to materialize.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Manager creates scratch directories under a single root.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root, creating it if needed.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the scratch root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create writes files into a freshly created, execution-unique scratch
// directory and returns its path together with the resolved entry file.
func (m *Manager) Create(files []File) (dir string, entry string, err error) {
	if len(files) == 0 {
		return "", "", ErrNoFiles
	}
	for _, f := range files {
		if err := validateName(f.Name); err != nil {
			return "", "", err
		}
	}

	entry, err = resolveEntry(files)
	if err != nil {
		return "", "", err
	}

	dir = filepath.Join(m.root, uuid.New().String())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", fmt.Errorf("creating scratch dir: %w", err)
	}

	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		if sub := filepath.Dir(f.Name); sub != "." {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
				_ = os.RemoveAll(dir)
				return "", "", fmt.Errorf("creating subdirectory %s: %w", sub, err)
			}
		}
		if err := os.WriteFile(path, []byte(f.Content), 0640); err != nil {
			_ = os.RemoveAll(dir)
			return "", "", fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	return dir, entry, nil
}

// validateName rejects absolute and directory-traversing names.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidFileName)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidFileName, name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes the workspace", ErrInvalidFileName, name)
	}
	return nil
}

// resolveEntry picks the entry file: allow-list first, then the first file
// with the recognized source extension.
func resolveEntry(files []File) (string, error) {
	for _, want := range entryAllowList {
		for _, f := range files {
			if f.Name == want {
				return f.Name, nil
			}
		}
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name, sourceExt) {
			return f.Name, nil
		}
	}
	return "", ErrNoEntryFile
}
