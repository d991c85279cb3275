package workspace

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	guard, err := NewGuard(Config{
		WorkspaceRoot: t.TempDir(),
		ScratchRoot:   t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return guard
}

func TestResolveRelativePath(t *testing.T) {
	guard := newTestGuard(t)

	resolved, err := guard.Resolve(ScopeWorkspace, "sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(guard.Root(ScopeWorkspace), "sub", "file.txt")
	if resolved != want {
		t.Errorf("resolved %q, want %q", resolved, want)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	guard := newTestGuard(t)

	for _, path := range []string{
		"../outside.txt",
		"sub/../../outside.txt",
		"/etc/passwd",
	} {
		if _, err := guard.Resolve(ScopeWorkspace, path); err == nil {
			t.Errorf("Resolve(%q) should have failed", path)
		}
	}
}

func TestResolveAbsoluteInsideRoot(t *testing.T) {
	guard := newTestGuard(t)

	inside := filepath.Join(guard.Root(ScopeWorkspace), "notes.md")
	resolved, err := guard.Resolve(ScopeWorkspace, inside)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != inside {
		t.Errorf("resolved %q, want %q", resolved, inside)
	}
}

func TestResolveUnconfiguredScope(t *testing.T) {
	guard := newTestGuard(t)

	_, err := guard.Resolve(ScopeOutput, "report.txt")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("expected unconfigured-scope error, got %v", err)
	}
}

func TestResolveAnyFallsThroughScopes(t *testing.T) {
	guard := newTestGuard(t)

	inScratch := filepath.Join(guard.Root(ScopeScratch), "tmp.bin")
	resolved, err := guard.ResolveAny(inScratch)
	if err != nil {
		t.Fatalf("ResolveAny: %v", err)
	}
	if resolved != inScratch {
		t.Errorf("resolved %q, want %q", resolved, inScratch)
	}
}

func TestNewGuardRequiresRoot(t *testing.T) {
	if _, err := NewGuard(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestResolveEmptyPath(t *testing.T) {
	guard := newTestGuard(t)
	if _, err := guard.Resolve(ScopeWorkspace, "   "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
