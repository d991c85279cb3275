package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeTool struct {
	name     string
	category string
	tags     []string
	execute  func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake " + f.name }
func (f *fakeTool) Schema() json.RawMessage     { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Tags() []string              { return f.tags }
func (f *fakeTool) Category() string            { return f.category }
func (f *fakeTool) PromptInstructions() string  { return "" }
func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return &Result{Content: "ok"}, nil
}

func fakeSpec(name, category string, tags ...string) *Spec {
	return &Spec{
		Name:     name,
		Category: category,
		Tags:     tags,
		Schema:   json.RawMessage(`{"type":"object"}`),
		Build: func() (Tool, error) {
			return &fakeTool{name: name, category: category, tags: tags}, nil
		},
	}
}

func TestRegistryLazySingleInstance(t *testing.T) {
	r := NewRegistry(nil, nil)
	var builds int
	spec := &Spec{
		Name:   "probe",
		Schema: json.RawMessage(`{"type":"object"}`),
		Build: func() (Tool, error) {
			builds++
			return &fakeTool{name: "probe"}, nil
		},
	}
	if err := r.RegisterSpec(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if builds != 0 {
		t.Fatalf("build ran at registration time")
	}

	ctx := context.Background()
	first, err := r.Get(ctx, "probe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := r.Get(ctx, "probe")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same instance on repeated Get")
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
}

func TestRegistryConcurrentGetBuildsOnce(t *testing.T) {
	r := NewRegistry(nil, nil)
	var mu sync.Mutex
	builds := 0
	r.RegisterSpec(&Spec{
		Name: "shared",
		Build: func() (Tool, error) {
			mu.Lock()
			builds++
			mu.Unlock()
			return &fakeTool{name: "shared"}, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get(context.Background(), "shared"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
}

func TestRegistryDuplicateSpecIgnored(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterSpec(fakeSpec("dup", "fs", "a"))
	r.RegisterSpec(fakeSpec("dup", "shell", "b"))

	spec, ok := r.Spec("dup")
	if !ok {
		t.Fatalf("spec missing")
	}
	if spec.Category != "fs" {
		t.Fatalf("category = %q, want original registration kept", spec.Category)
	}
}

func TestRegistryBuildFailureSticky(t *testing.T) {
	r := NewRegistry(nil, nil)
	calls := 0
	r.RegisterSpec(&Spec{
		Name: "broken",
		Build: func() (Tool, error) {
			calls++
			return nil, errors.New("boom")
		},
	})
	for i := 0; i < 3; i++ {
		if _, err := r.Get(context.Background(), "broken"); err == nil {
			t.Fatalf("expected build error")
		}
	}
	if calls != 1 {
		t.Fatalf("factory retried %d times, want 1", calls)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterSpec(fakeSpec("gone", "fs"))
	if _, err := r.Get(context.Background(), "gone"); err != nil {
		t.Fatalf("get: %v", err)
	}
	r.Unregister("gone")
	if _, err := r.Get(context.Background(), "gone"); err == nil {
		t.Fatalf("expected unknown tool after unregister")
	}
}

func TestFilterSpecs(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterSpec(fakeSpec("read_file", "fs", "fs", "safe"))
	r.RegisterSpec(fakeSpec("write_file", "fs", "fs", "mutating"))
	r.RegisterSpec(fakeSpec("send_mail", "messaging", "mail"))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by category", Filter{Category: "fs"}, []string{"read_file", "write_file"}},
		{"by tag or", Filter{Tags: []string{"safe", "mail"}}, []string{"read_file", "send_mail"}},
		{"by pattern", Filter{NamePattern: `_file$`}, []string{"read_file", "write_file"}},
		{"empty matches all", Filter{}, []string{"read_file", "send_mail", "write_file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.FilterSpecs(tt.filter)
			if err != nil {
				t.Fatalf("filter: %v", err)
			}
			names := make([]string, len(got))
			for i, s := range got {
				names[i] = s.Name
			}
			if len(names) != len(tt.want) {
				t.Fatalf("names = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Fatalf("names = %v, want %v", names, tt.want)
				}
			}
		})
	}

	if _, err := r.FilterSpecs(Filter{NamePattern: `([`}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestValidateArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)

	if err := ValidateArguments(schema, json.RawMessage(`{"path":"a.txt"}`)); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := ValidateArguments(schema, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("missing required field accepted")
	}
	if err := ValidateArguments(schema, json.RawMessage(`{bad json`)); err == nil {
		t.Fatalf("malformed json accepted")
	}
	if err := ValidateArguments(nil, json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("nil schema should accept: %v", err)
	}
}
