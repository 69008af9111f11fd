// Package sandbox confines file paths produced during a run to the run's
// workspace root.
//
// Validate rejects suspicious input before any resolution happens (parent
// references, home expansion, variable expansion), refuses absolute paths
// into well-known system directories and finally checks that the resolved
// path (following symlinks of existing prefixes) stays inside the root.
package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/agentgraph/core"
)

// Violation is the error returned for every rejected path.
type Violation = core.SandboxViolation

// DenyList is the fixed set of system directories no path may point into.
var DenyList = []string{
	"/etc", "/bin", "/sbin", "/usr", "/boot", "/dev", "/proc",
	"/sys", "/var", "/root", "/lib", "/lib64", "/opt",
}

var forbiddenTokens = []string{"..", "~", "$"}

// Validate checks path against root and returns the absolute, cleaned path
// inside root. Relative paths are interpreted relative to root.
func Validate(path, root string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &Violation{Path: path, Root: root, Reason: "empty path"}
	}
	if root == "" {
		return "", &Violation{Path: path, Root: root, Reason: "empty workspace root"}
	}
	for _, tok := range forbiddenTokens {
		if strings.Contains(path, tok) {
			return "", &Violation{Path: path, Root: root, Reason: "contains forbidden sequence " + tok}
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", &Violation{Path: path, Root: root, Reason: "invalid workspace root: " + err.Error()}
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
		if dir, denied := deniedDir(candidate); denied {
			return "", &Violation{Path: path, Root: root, Reason: "system directory " + dir}
		}
	} else {
		candidate = filepath.Join(absRoot, path)
	}

	if !within(candidate, absRoot) {
		return "", &Violation{Path: path, Root: root, Reason: "outside workspace"}
	}

	// Symlinks inside the workspace must not lead out of it.
	realRoot := resolveExisting(absRoot)
	if !within(resolveExisting(candidate), realRoot) {
		return "", &Violation{Path: path, Root: root, Reason: "resolves outside workspace"}
	}

	return candidate, nil
}

func deniedDir(p string) (string, bool) {
	for _, d := range DenyList {
		if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
			return d, true
		}
	}
	return "", false
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting evaluates symlinks of the longest existing prefix of p and
// re-appends the non-existing remainder.
func resolveExisting(p string) string {
	rest := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return p
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Workspace performs file I/O confined to a root directory.
type Workspace struct {
	root string
}

// NewWorkspace returns a Workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve validates path and returns its absolute location.
func (w *Workspace) Resolve(path string) (string, error) {
	return Validate(path, w.root)
}

// WriteFile writes data to path, creating parent directories as needed.
func (w *Workspace) WriteFile(path string, data []byte) (string, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

// ReadFile reads path from the workspace.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// List returns workspace-relative paths of all regular files below the root,
// skipping hidden directories.
func (w *Workspace) List() ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != w.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}
