package tools

import (
	"context"
	"fmt"
	"sort"
)

// Set is a named tool grouping. A set contributes explicit tool names plus
// every registered tool carrying one of its include tags, inherits from its
// parents, and can subtract tools by deny tag.
type Set struct {
	Name        string   `yaml:"name" json:"name"`
	Tools       []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	IncludeTags []string `yaml:"include_tags,omitempty" json:"include_tags,omitempty"`
	DenyTags    []string `yaml:"deny_tags,omitempty" json:"deny_tags,omitempty"`
	Parents     []string `yaml:"parents,omitempty" json:"parents,omitempty"`
}

// RegisterSet records a named set, replacing any previous definition.
func (r *Registry) RegisterSet(set *Set) error {
	if set == nil || set.Name == "" {
		return fmt.Errorf("tool set requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[set.Name] = set
	return nil
}

// Sets returns the registered set names, sorted.
func (r *Registry) Sets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for n := range r.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// visit colors for cycle detection during set resolution.
const (
	white = iota
	gray
	black
)

// ResolveSet expands a set, following parent links depth-first. Inheritance
// cycles abort resolution with an error; an unknown parent is logged and
// skipped. Deny tags from a set apply to everything that set contributes,
// including inherited tools.
func (r *Registry) ResolveSet(ctx context.Context, name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	colors := make(map[string]int)
	names, err := r.resolveLocked(ctx, name, colors)
	if err != nil {
		return nil, err
	}
	return sortedKeys(names), nil
}

func (r *Registry) resolveLocked(ctx context.Context, name string, colors map[string]int) (map[string]bool, error) {
	switch colors[name] {
	case gray:
		return nil, fmt.Errorf("tool set cycle through %q", name)
	case black:
		return map[string]bool{}, nil
	}
	set, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool set %q", name)
	}
	colors[name] = gray

	members := make(map[string]bool)
	for _, parent := range set.Parents {
		if _, ok := r.sets[parent]; !ok {
			r.logger.Warn(ctx, "tool set parent not found", "set", name, "parent", parent)
			continue
		}
		inherited, err := r.resolveLocked(ctx, parent, colors)
		if err != nil {
			return nil, err
		}
		for n := range inherited {
			members[n] = true
		}
	}

	for _, tool := range set.Tools {
		members[tool] = true
	}
	for _, tag := range set.IncludeTags {
		for toolName, spec := range r.specs {
			if spec.HasTag(tag) {
				members[toolName] = true
			}
		}
	}
	for _, tag := range set.DenyTags {
		for toolName := range members {
			if spec, ok := r.specs[toolName]; ok && spec.HasTag(tag) {
				delete(members, toolName)
			}
		}
	}

	colors[name] = black
	return members, nil
}

// AgentPolicy scopes which tools an agent can see. Precedence when the same
// tool is named in several lists: DenyTools wins over AllowTools, which wins
// over set and tag membership. DenyTags subtract from the combined result.
type AgentPolicy struct {
	Sets       []string `yaml:"tool_sets,omitempty" json:"tool_sets,omitempty"`
	Tags       []string `yaml:"tool_tags,omitempty" json:"tool_tags,omitempty"`
	AllowTools []string `yaml:"allow_tools,omitempty" json:"allow_tools,omitempty"`
	DenyTools  []string `yaml:"deny_tools,omitempty" json:"deny_tools,omitempty"`
	DenyTags   []string `yaml:"deny_tags,omitempty" json:"deny_tags,omitempty"`
}

// ToolsForAgent computes the sorted tool names visible to an agent. A policy
// with no selectors yields every registered tool minus denials.
func (r *Registry) ToolsForAgent(ctx context.Context, policy AgentPolicy) ([]string, error) {
	members := make(map[string]bool)

	if len(policy.Sets) == 0 && len(policy.Tags) == 0 && len(policy.AllowTools) == 0 {
		r.mu.RLock()
		for name := range r.specs {
			members[name] = true
		}
		r.mu.RUnlock()
	}

	for _, setName := range policy.Sets {
		names, err := r.ResolveSet(ctx, setName)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			members[n] = true
		}
	}

	r.mu.RLock()
	for _, tag := range policy.Tags {
		for name, spec := range r.specs {
			if spec.HasTag(tag) {
				members[name] = true
			}
		}
	}
	for _, tag := range policy.DenyTags {
		for name := range members {
			if spec, ok := r.specs[name]; ok && spec.HasTag(tag) {
				delete(members, name)
			}
		}
	}
	// Explicit allows outrank tag denials, so they are applied after.
	for _, name := range policy.AllowTools {
		if _, ok := r.specs[name]; ok {
			members[name] = true
		} else {
			r.logger.Warn(ctx, "allowed tool not registered", "tool", name)
		}
	}
	r.mu.RUnlock()

	// Deny by name beats every grant, including an explicit allow.
	for _, name := range policy.DenyTools {
		delete(members, name)
	}

	return sortedKeys(members), nil
}

// LoadForAgent resolves the policy and returns built instances, skipping
// tools whose construction fails.
func (r *Registry) LoadForAgent(ctx context.Context, policy AgentPolicy) ([]Tool, error) {
	names, err := r.ToolsForAgent(ctx, policy)
	if err != nil {
		return nil, err
	}
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, err := r.Get(ctx, name)
		if err != nil {
			r.logger.Warn(ctx, "skipping unloadable tool", "tool", name, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
