// Package workspace manages the confined directory an agent episode runs in.
//
// Every file the agent touches and every working directory it executes from
// must resolve to the workspace root or a descendant of it. Resolution covers
// both lexical traversal (..) and symlinks, so a link pointing outside the
// root is rejected even though its path looks confined.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directories never copied into a fresh workspace from a template.
var skipTemplateDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	".git":         true,
}

// Workspace is a confined directory tree rooted at Root.
// Root is absolute and symlink-resolved so confinement checks compare
// canonical paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory, creates the root if missing,
// and canonicalizes it through any symlinks.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	if err := os.MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	canonical, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing workspace root: %w", err)
	}

	return &Workspace{
		Root:    canonical,
		created: map[string]bool{canonical: true},
	}, nil
}

// Confine resolves path and returns its canonical form if it is the
// workspace root or a descendant. Relative paths are joined to the root.
// Paths that resolve outside the root, through .. or through symlinks,
// are rejected.
func (w *Workspace) Confine(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.Root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Target may not exist yet (write before create), and neither may
		// any number of its parents. Resolve the deepest existing ancestor
		// and rejoin the missing components onto it.
		base, rest := abs, ""
		for {
			parent := filepath.Dir(base)
			if parent == base {
				return "", fmt.Errorf("resolving path %q: %w", path, err)
			}
			rest = filepath.Join(filepath.Base(base), rest)
			base = parent

			r, perr := filepath.EvalSymlinks(base)
			if perr == nil {
				resolved = filepath.Join(r, rest)
				break
			}
			if !os.IsNotExist(perr) {
				return "", fmt.Errorf("resolving ancestor of %q: %w", path, perr)
			}
		}
	}

	if resolved != w.Root && !strings.HasPrefix(resolved, w.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace %s", path, w.Root)
	}
	return resolved, nil
}

// ConfineDir is Confine plus a check that the target exists and is a
// directory. Used for validating working directories before execution.
func (w *Workspace) ConfineDir(path string) (string, error) {
	resolved, err := w.Confine(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%q is not a directory", path)
	}
	return resolved, nil
}

// CopyTemplate recursively copies the contents of src into the workspace
// root, skipping node_modules, .next and .git trees.
func (w *Workspace) CopyTemplate(src string) error {
	srcRoot, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolving template %q: %w", src, err)
	}
	info, err := os.Stat(srcRoot)
	if err != nil {
		return fmt.Errorf("stat template: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template %q is not a directory", src)
	}

	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skipTemplateDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(w.Root, rel), 0750)
		}
		return copyFile(path, filepath.Join(w.Root, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

// --- Episode layout ---

// Episode holds the directory layout of a single agent run:
//
//	<runs>/<stamp>/workspace/   the confined working tree
//	<runs>/<stamp>/logs/        agent.log, system.log
//	<runs>/<stamp>/result.json  outcome summary
type Episode struct {
	Dir          string
	WorkspaceDir string
	LogsDir      string
}

// AgentLogPath returns <logs>/agent.log.
func (e *Episode) AgentLogPath() string {
	return filepath.Join(e.LogsDir, "agent.log")
}

// SystemLogPath returns <logs>/system.log.
func (e *Episode) SystemLogPath() string {
	return filepath.Join(e.LogsDir, "system.log")
}

// ResultPath returns <dir>/result.json.
func (e *Episode) ResultPath() string {
	return filepath.Join(e.Dir, "result.json")
}

// NewEpisode creates a fresh timestamped episode layout under runsRoot.
// The directory name carries a random suffix so concurrent episodes
// started within the same second never share a layout.
func NewEpisode(runsRoot string, now time.Time) (*Episode, error) {
	resolved, err := resolvePath(runsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving runs root %q: %w", runsRoot, err)
	}

	stamp := now.Format("20060102_150405") + "_" + uuid.NewString()[:8]
	e := &Episode{
		Dir: filepath.Join(resolved, stamp),
	}
	e.WorkspaceDir = filepath.Join(e.Dir, "workspace")
	e.LogsDir = filepath.Join(e.Dir, "logs")

	for _, d := range []string{e.WorkspaceDir, e.LogsDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("creating episode directory %s: %w", d, err)
		}
	}
	return e, nil
}

// --- Internal helpers ---

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// EnsureDir creates a subdirectory under the root, rejecting escapes.
func (w *Workspace) EnsureDir(name string) (string, error) {
	resolved, err := w.Confine(name)
	if err != nil {
		return "", err
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return "", err
	}
	return resolved, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
