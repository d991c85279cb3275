package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/internal/workspace"
)

func testSetup(t *testing.T) (*tools.Registry, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := workspace.NewGuard(workspace.Config{WorkspaceRoot: root})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	reg := tools.NewRegistry(nil, nil)
	if err := RegisterSpecs(reg, guard); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, root
}

func execute(t *testing.T, reg *tools.Registry, name, args string) *tools.Result {
	t.Helper()
	tool, err := reg.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	res, err := tool.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("execute %s: %v", name, err)
	}
	return res
}

func TestReadFile(t *testing.T) {
	reg, root := testSetup(t)
	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := execute(t, reg, "read_file", `{"path":"note.txt"}`)
	if res.IsError || res.Content != "hello" {
		t.Fatalf("result = %+v", res)
	}
}

func TestReadFileMissing(t *testing.T) {
	reg, _ := testSetup(t)
	res := execute(t, reg, "read_file", `{"path":"missing.txt"}`)
	if !res.IsError {
		t.Fatalf("expected error result, got %+v", res)
	}
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	reg, root := testSetup(t)
	res := execute(t, reg, "write_file", `{"path":"a/b/c.txt","content":"data"}`)
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	if err != nil || string(data) != "data" {
		t.Fatalf("file not written: %v %q", err, data)
	}
}

func TestListDir(t *testing.T) {
	reg, root := testSetup(t)
	os.MkdirAll(filepath.Join(root, "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "x.txt"), nil, 0o644)

	res := execute(t, reg, "list_dir", `{}`)
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Content, "sub/") || !strings.Contains(res.Content, "x.txt") {
		t.Fatalf("listing = %q", res.Content)
	}
}

func TestEscapeRejected(t *testing.T) {
	reg, root := testSetup(t)
	for _, args := range []string{
		`{"path":"../outside.txt"}`,
		`{"path":"sub/../../outside.txt"}`,
		`{"path":"/etc/passwd"}`,
	} {
		res := execute(t, reg, "read_file", args)
		if !res.IsError {
			t.Fatalf("escape %s not rejected", args)
		}
	}
	// Nothing leaked outside the root.
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt")); !os.IsNotExist(err) {
		t.Fatalf("file escaped the workspace")
	}
}

func TestWriteEscapeRejected(t *testing.T) {
	reg, _ := testSetup(t)
	res := execute(t, reg, "write_file", `{"path":"../evil.txt","content":"x"}`)
	if !res.IsError {
		t.Fatalf("write escape not rejected")
	}
}
