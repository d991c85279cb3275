// Package files provides the builtin filesystem tools. Every path is
// resolved through the workspace guard, so access outside the configured
// roots is rejected before any I/O happens.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/internal/workspace"
)

const maxReadBytes = 256 * 1024

// RegisterSpecs records the file tool specs on the registry.
func RegisterSpecs(reg *tools.Registry, guard *workspace.Guard) error {
	specs := []*tools.Spec{
		{
			Name:        "read_file",
			Category:    "fs",
			Description: "Read a text file from the workspace.",
			Schema:      readSchema,
			Tags:        []string{"fs", "safe"},
			Build:       func() (tools.Tool, error) { return &readTool{guard: guard}, nil },
		},
		{
			Name:        "write_file",
			Category:    "fs",
			Description: "Write a text file inside the workspace, creating parent directories.",
			Schema:      writeSchema,
			Tags:        []string{"fs", "mutating"},
			Build:       func() (tools.Tool, error) { return &writeTool{guard: guard}, nil },
		},
		{
			Name:        "list_dir",
			Category:    "fs",
			Description: "List the entries of a workspace directory.",
			Schema:      listSchema,
			Tags:        []string{"fs", "safe"},
			Build:       func() (tools.Tool, error) { return &listTool{guard: guard}, nil },
		},
	}
	for _, spec := range specs {
		if err := reg.RegisterSpec(spec); err != nil {
			return err
		}
	}
	return nil
}

var readSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path relative to the workspace root"}
	},
	"required": ["path"]
}`)

var writeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path relative to the workspace root"},
		"content": {"type": "string", "description": "Full file content to write"}
	},
	"required": ["path", "content"]
}`)

var listSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "Directory path relative to the workspace root; defaults to the root"}
	}
}`)

type readArgs struct {
	Path string `json:"path"`
}

type readTool struct {
	guard *workspace.Guard
}

func (t *readTool) Name() string               { return "read_file" }
func (t *readTool) Description() string        { return "Read a text file from the workspace." }
func (t *readTool) Schema() json.RawMessage    { return readSchema }
func (t *readTool) Tags() []string             { return []string{"fs", "safe"} }
func (t *readTool) Category() string           { return "fs" }
func (t *readTool) PromptInstructions() string { return "" }

func (t *readTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var a readArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := t.guard.ResolveAny(a.Path)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("read %s: %v", a.Path, err)), nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return &tools.Result{Content: string(data) + "\n[truncated]"}, nil
	}
	return &tools.Result{Content: string(data)}, nil
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeTool struct {
	guard *workspace.Guard
}

func (t *writeTool) Name() string        { return "write_file" }
func (t *writeTool) Description() string {
	return "Write a text file inside the workspace, creating parent directories."
}
func (t *writeTool) Schema() json.RawMessage    { return writeSchema }
func (t *writeTool) Tags() []string             { return []string{"fs", "mutating"} }
func (t *writeTool) Category() string           { return "fs" }
func (t *writeTool) PromptInstructions() string { return "" }

func (t *writeTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var a writeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	resolved, err := t.guard.Resolve(workspace.ScopeWorkspace, a.Path)
	if err != nil {
		// Fall back to the output root for session artifacts.
		resolved, err = t.guard.Resolve(workspace.ScopeOutput, a.Path)
	}
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.ErrorResult(fmt.Sprintf("create directories for %s: %v", a.Path, err)), nil
	}
	if err := os.WriteFile(resolved, []byte(a.Content), 0o644); err != nil {
		return tools.ErrorResult(fmt.Sprintf("write %s: %v", a.Path, err)), nil
	}
	return &tools.Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path)}, nil
}

type listArgs struct {
	Path string `json:"path"`
}

type listTool struct {
	guard *workspace.Guard
}

func (t *listTool) Name() string               { return "list_dir" }
func (t *listTool) Description() string        { return "List the entries of a workspace directory." }
func (t *listTool) Schema() json.RawMessage    { return listSchema }
func (t *listTool) Tags() []string             { return []string{"fs", "safe"} }
func (t *listTool) Category() string           { return "fs" }
func (t *listTool) PromptInstructions() string { return "" }

func (t *listTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var a listArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}
	if a.Path == "" {
		a.Path = "."
	}
	resolved, err := t.guard.ResolveAny(a.Path)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("list %s: %v", a.Path, err)), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &tools.Result{Content: strings.Join(names, "\n")}, nil
}
