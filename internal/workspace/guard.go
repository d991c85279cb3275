// Package workspace enforces scoped filesystem access for tools. Every path
// a tool touches must resolve inside one of the configured roots.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scope names a configured root.
type Scope string

const (
	// ScopeWorkspace is the primary working tree.
	ScopeWorkspace Scope = "workspace"
	// ScopeOutput holds files produced for the user.
	ScopeOutput Scope = "output"
	// ScopeScratch holds temporary intermediate files.
	ScopeScratch Scope = "scratch"
)

// Guard resolves and validates paths against the configured roots.
// A zero Guard rejects everything; configure at least the workspace root.
type Guard struct {
	roots map[Scope]string
}

// Config lists the scoped roots. Empty entries disable that scope.
type Config struct {
	WorkspaceRoot string
	OutputRoot    string
	ScratchRoot   string
}

// NewGuard builds a Guard from config, resolving each root to an absolute
// cleaned path.
func NewGuard(cfg Config) (*Guard, error) {
	roots := make(map[Scope]string, 3)
	for scope, root := range map[Scope]string{
		ScopeWorkspace: cfg.WorkspaceRoot,
		ScopeOutput:    cfg.OutputRoot,
		ScopeScratch:   cfg.ScratchRoot,
	} {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve %s root: %w", scope, err)
		}
		roots[scope] = filepath.Clean(abs)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	return &Guard{roots: roots}, nil
}

// Root returns the configured root for a scope, or "" if disabled.
func (g *Guard) Root(scope Scope) string {
	if g == nil {
		return ""
	}
	return g.roots[scope]
}

// Resolve returns an absolute, cleaned path for path within scope.
// Relative paths are joined onto the scope root; absolute paths must already
// lie inside it. Escapes via ".." or symlink-free traversal are rejected.
func (g *Guard) Resolve(scope Scope, path string) (string, error) {
	if g == nil {
		return "", fmt.Errorf("no workspace roots configured")
	}
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root, ok := g.roots[scope]
	if !ok {
		return "", fmt.Errorf("scope %q is not configured", scope)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(root, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(root, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes %s root", scope)
	}
	return targetAbs, nil
}

// ResolveAny resolves path against each configured scope in order
// (workspace, output, scratch) and returns the first success. Used for
// absolute paths whose scope the caller does not know.
func (g *Guard) ResolveAny(path string) (string, error) {
	var lastErr error
	for _, scope := range []Scope{ScopeWorkspace, ScopeOutput, ScopeScratch} {
		if g == nil || g.roots[scope] == "" {
			continue
		}
		resolved, err := g.Resolve(scope, path)
		if err == nil {
			return resolved, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no workspace roots configured")
	}
	return "", lastErr
}
