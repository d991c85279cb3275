// Package agents loads declarative agent definitions and resolves loose
// names and aliases onto canonical agent ids.
package agents

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/internal/tools"
)

// ModelOverride replaces the default model settings for one agent.
type ModelOverride struct {
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Definition is one immutable agent record. Definitions are loaded at
// startup and never mutated at runtime; unknown config keys are preserved in
// Extra so newer fields survive a round trip through an older loader.
type Definition struct {
	ID             string            `yaml:"id" json:"id"`
	DisplayName    string            `yaml:"display_name" json:"display_name"`
	Role           string            `yaml:"role,omitempty" json:"role,omitempty"`
	ContextSources []string          `yaml:"context_sources,omitempty" json:"context_sources,omitempty"`
	PromptTemplate string            `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	ToolSets       []string          `yaml:"tool_sets,omitempty" json:"tool_sets,omitempty"`
	AllowTools     []string          `yaml:"allow_tools,omitempty" json:"allow_tools,omitempty"`
	DenyTools      []string          `yaml:"deny_tools,omitempty" json:"deny_tools,omitempty"`
	Model          *ModelOverride    `yaml:"model_override,omitempty" json:"model_override,omitempty"`
	Extra          map[string]any    `yaml:"-" json:"-"`
}

// ToolPolicy projects the definition's tool fields into the registry's
// policy shape.
func (d *Definition) ToolPolicy() tools.AgentPolicy {
	return tools.AgentPolicy{
		Sets:       d.ToolSets,
		AllowTools: d.AllowTools,
		DenyTools:  d.DenyTools,
	}
}

// UnmarshalYAML decodes known fields and stashes everything else in Extra.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	type plain Definition
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = Definition(p)

	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	known := map[string]bool{
		"id": true, "display_name": true, "role": true,
		"context_sources": true, "prompt_template": true,
		"tool_sets": true, "allow_tools": true, "deny_tools": true,
		"model_override": true,
	}
	for k, v := range raw {
		if !known[k] {
			if d.Extra == nil {
				d.Extra = make(map[string]any)
			}
			d.Extra[k] = v
		}
	}
	return nil
}

type rosterFile struct {
	Agents []*Definition `yaml:"agents"`
}

// Registry holds the loaded roster and its alias table.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Definition
	aliases map[string]string
	order   []string

	logger *observability.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		byID:    make(map[string]*Definition),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// LoadFile reads a YAML roster file and replaces the registry contents.
func (r *Registry) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agents file: %w", err)
	}
	return r.LoadBytes(ctx, data)
}

// LoadBytes parses a YAML roster and replaces the registry contents
// atomically. Definitions missing an id are rejected.
func (r *Registry) LoadBytes(ctx context.Context, data []byte) error {
	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return fmt.Errorf("parse agents file: %w", err)
	}

	byID := make(map[string]*Definition, len(roster.Agents))
	var order []string
	for _, def := range roster.Agents {
		if def.ID == "" {
			return fmt.Errorf("agent definition missing id (display_name=%q)", def.DisplayName)
		}
		if _, dup := byID[def.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", def.ID)
		}
		byID[def.ID] = def
		order = append(order, def.ID)
	}
	aliases := buildAliases(byID)

	r.mu.Lock()
	r.byID = byID
	r.aliases = aliases
	r.order = order
	r.mu.Unlock()

	r.logger.Info(ctx, "agent roster loaded", "agents", len(byID))
	return nil
}

// buildAliases registers, per agent: the canonical id, the display name, the
// display name's first word, the role, and the "agent <first-word>" prefix
// form. Collisions keep the first registration.
func buildAliases(byID map[string]*Definition) map[string]string {
	aliases := make(map[string]string)
	add := func(alias, id string) {
		key := normalize(alias)
		if key == "" {
			return
		}
		if _, taken := aliases[key]; !taken {
			aliases[key] = id
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		def := byID[id]
		add(id, id)
		add("agent "+id, id)
		add(def.DisplayName, id)
		if first := firstWord(def.DisplayName); first != "" {
			add(first, id)
			add("agent "+first, id)
		}
		add(def.Role, id)
	}
	return aliases
}

// Get returns a definition by canonical id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// List returns all definitions in file order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the canonical agent ids in file order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ResolveAlias maps a loose name to a canonical agent id. The full
// normalized name is tried first, then progressively shorter prefixes
// (dropping trailing words).
func (r *Registry) ResolveAlias(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidate := normalize(name)
	for candidate != "" {
		if id, ok := r.aliases[candidate]; ok {
			return id, true
		}
		idx := strings.LastIndex(candidate, " ")
		if idx < 0 {
			break
		}
		candidate = strings.TrimSpace(candidate[:idx])
	}
	return "", false
}

// MustResolve is ResolveAlias with an error listing the valid ids, for
// surfaces that report to the user.
func (r *Registry) MustResolve(name string) (string, error) {
	if id, ok := r.ResolveAlias(name); ok {
		return id, nil
	}
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	return "", fmt.Errorf("unknown agent %q (valid ids: %s)", name, strings.Join(ids, ", "))
}

// normalize lowercases, trims, collapses internal whitespace, and folds
// " the " into a single space so "Debbie the Debugger" matches "Debbie
// Debugger".
func normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, " the ", " ")
	return s
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
