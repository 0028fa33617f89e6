package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestConfine(t *testing.T) {
	w := newTestWorkspace(t)

	if err := os.MkdirAll(filepath.Join(w.Root, "src", "app"), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root itself", w.Root, false},
		{"relative descendant", "src/app", false},
		{"absolute descendant", filepath.Join(w.Root, "src"), false},
		{"new file under root", "src/app/page.tsx", false},
		{"new file under missing parents", "src/components/ui/Button.tsx", false},
		{"deep missing relative", "a/b/c/d/e.txt", false},
		{"parent escape", "..", true},
		{"traversal escape", "src/../../outside", true},
		{"deep traversal escape", "a/b/c/../../../../outside/f.txt", true},
		{"absolute outside", "/etc/passwd", true},
		{"sibling prefix", w.Root + "-other/file", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := w.Confine(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Confine(%q) = %q, want error", tt.path, resolved)
				}
				return
			}
			if err != nil {
				t.Fatalf("Confine(%q): %v", tt.path, err)
			}
			if resolved != w.Root && !strings.HasPrefix(resolved, w.Root+string(filepath.Separator)) {
				t.Errorf("Confine(%q) = %q, not under root %q", tt.path, resolved, w.Root)
			}
		})
	}
}

func TestConfine_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	w := newTestWorkspace(t)

	link := filepath.Join(w.Root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := w.Confine("sneaky"); err == nil {
		t.Error("expected symlink pointing outside the workspace to be rejected")
	}
	if _, err := w.Confine("sneaky/file.txt"); err == nil {
		t.Error("expected path through escaping symlink to be rejected")
	}
}

func TestConfine_SymlinkInside(t *testing.T) {
	w := newTestWorkspace(t)

	target := filepath.Join(w.Root, "real")
	if err := os.MkdirAll(target, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(w.Root, "alias")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	resolved, err := w.Confine("alias")
	if err != nil {
		t.Fatalf("Confine: %v", err)
	}
	if resolved != target {
		t.Errorf("Confine(alias) = %q, want %q", resolved, target)
	}
}

func TestConfineDir(t *testing.T) {
	w := newTestWorkspace(t)

	if err := os.MkdirAll(filepath.Join(w.Root, "sub"), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(w.Root, "file.txt"), []byte("x"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := w.ConfineDir("sub"); err != nil {
		t.Errorf("ConfineDir(sub): %v", err)
	}
	if _, err := w.ConfineDir("file.txt"); err == nil {
		t.Error("expected error for regular file")
	}
	if _, err := w.ConfineDir("missing"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestCopyTemplate(t *testing.T) {
	tmpl := t.TempDir()
	writeTemplateFile(t, tmpl, "package.json", `{"name":"app"}`)
	writeTemplateFile(t, tmpl, "src/page.tsx", "export default function Page() {}")
	writeTemplateFile(t, tmpl, "node_modules/left-pad/index.js", "skip me")
	writeTemplateFile(t, tmpl, ".next/cache.bin", "skip me")
	writeTemplateFile(t, tmpl, ".git/HEAD", "ref: refs/heads/main")

	w := newTestWorkspace(t)
	if err := w.CopyTemplate(tmpl); err != nil {
		t.Fatalf("CopyTemplate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(w.Root, "package.json"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(data) != `{"name":"app"}` {
		t.Errorf("copied content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(w.Root, "src", "page.tsx")); err != nil {
		t.Errorf("nested file not copied: %v", err)
	}

	for _, skipped := range []string{"node_modules", ".next", ".git"} {
		if _, err := os.Stat(filepath.Join(w.Root, skipped)); !os.IsNotExist(err) {
			t.Errorf("%s should not be copied", skipped)
		}
	}
}

func TestNewEpisode(t *testing.T) {
	runs := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	e, err := NewEpisode(runs, now)
	if err != nil {
		t.Fatalf("NewEpisode: %v", err)
	}

	if got := filepath.Base(e.Dir); !strings.HasPrefix(got, "20260314_092653_") {
		t.Errorf("episode dir = %q, want timestamp-prefixed name", got)
	}
	for _, d := range []string{e.WorkspaceDir, e.LogsDir} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
	if got := e.AgentLogPath(); filepath.Base(got) != "agent.log" {
		t.Errorf("AgentLogPath = %q", got)
	}
	if got := e.SystemLogPath(); filepath.Base(got) != "system.log" {
		t.Errorf("SystemLogPath = %q", got)
	}
	if got := e.ResultPath(); filepath.Base(got) != "result.json" {
		t.Errorf("ResultPath = %q", got)
	}
}

func TestNewEpisode_SameInstantDistinctDirs(t *testing.T) {
	runs := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	a, err := NewEpisode(runs, now)
	if err != nil {
		t.Fatalf("NewEpisode: %v", err)
	}
	b, err := NewEpisode(runs, now)
	if err != nil {
		t.Fatalf("NewEpisode: %v", err)
	}
	if a.Dir == b.Dir {
		t.Errorf("episodes created in the same second share dir %q", a.Dir)
	}
}

func writeTemplateFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}
