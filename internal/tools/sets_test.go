package tools

import (
	"context"
	"strings"
	"testing"
)

func setRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil, nil)
	r.RegisterSpec(fakeSpec("read_file", "fs", "fs", "safe"))
	r.RegisterSpec(fakeSpec("write_file", "fs", "fs", "mutating"))
	r.RegisterSpec(fakeSpec("list_dir", "fs", "fs", "safe"))
	r.RegisterSpec(fakeSpec("send_mail", "messaging", "mail", "mutating"))
	r.RegisterSpec(fakeSpec("check_mail", "messaging", "mail", "safe"))
	return r
}

func TestResolveSetExplicitAndTags(t *testing.T) {
	r := setRegistry(t)
	r.RegisterSet(&Set{Name: "readers", Tools: []string{"check_mail"}, IncludeTags: []string{"safe"}})

	got, err := r.ResolveSet(context.Background(), "readers")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"check_mail", "list_dir", "read_file"}
	assertNames(t, got, want)
}

func TestResolveSetInheritanceAndDeny(t *testing.T) {
	r := setRegistry(t)
	r.RegisterSet(&Set{Name: "base", IncludeTags: []string{"fs"}})
	r.RegisterSet(&Set{
		Name:     "readonly",
		Parents:  []string{"base"},
		DenyTags: []string{"mutating"},
	})

	got, err := r.ResolveSet(context.Background(), "readonly")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertNames(t, got, []string{"list_dir", "read_file"})
}

func TestResolveSetCycle(t *testing.T) {
	r := setRegistry(t)
	r.RegisterSet(&Set{Name: "a", Parents: []string{"b"}})
	r.RegisterSet(&Set{Name: "b", Parents: []string{"a"}})

	_, err := r.ResolveSet(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestResolveSetUnknownParentSkipped(t *testing.T) {
	r := setRegistry(t)
	r.RegisterSet(&Set{Name: "orphan", Tools: []string{"read_file"}, Parents: []string{"missing"}})

	got, err := r.ResolveSet(context.Background(), "orphan")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	assertNames(t, got, []string{"read_file"})
}

func TestToolsForAgentPrecedence(t *testing.T) {
	r := setRegistry(t)
	r.RegisterSet(&Set{Name: "fsset", IncludeTags: []string{"fs"}})

	tests := []struct {
		name   string
		policy AgentPolicy
		want   []string
	}{
		{
			"sets union tags",
			AgentPolicy{Sets: []string{"fsset"}, Tags: []string{"mail"}},
			[]string{"check_mail", "list_dir", "read_file", "send_mail", "write_file"},
		},
		{
			"deny name beats set membership",
			AgentPolicy{Sets: []string{"fsset"}, DenyTools: []string{"write_file"}},
			[]string{"list_dir", "read_file"},
		},
		{
			"deny name beats explicit allow",
			AgentPolicy{AllowTools: []string{"send_mail"}, DenyTools: []string{"send_mail"}},
			nil,
		},
		{
			"allow survives deny tag",
			AgentPolicy{Sets: []string{"fsset"}, DenyTags: []string{"mutating"}, AllowTools: []string{"write_file"}},
			[]string{"list_dir", "read_file", "write_file"},
		},
		{
			"empty policy sees everything",
			AgentPolicy{},
			[]string{"check_mail", "list_dir", "read_file", "send_mail", "write_file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ToolsForAgent(context.Background(), tt.policy)
			if err != nil {
				t.Fatalf("tools for agent: %v", err)
			}
			assertNames(t, got, tt.want)
		})
	}
}

func TestLoadForAgentReturnsInstances(t *testing.T) {
	r := setRegistry(t)
	loaded, err := r.LoadForAgent(context.Background(), AgentPolicy{Tags: []string{"mail"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d tools, want 2", len(loaded))
	}
	again, _ := r.LoadForAgent(context.Background(), AgentPolicy{Tags: []string{"mail"}})
	if loaded[0] != again[0] {
		t.Fatalf("expected shared instances across loads")
	}
}

func assertNames(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
