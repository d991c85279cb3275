package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/convoke-ai/convoke/internal/observability"
)

// Registry holds tool specs and lazily-built instances. Registration is
// idempotent per name; the first registration wins and later duplicates are
// logged and ignored.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]*Spec
	entries map[string]*entry
	sets    map[string]*Set

	logger  *observability.Logger
	metrics *observability.Metrics
}

// entry tracks the lazily-built instance for one spec. The sync.Once ensures
// exactly one caller runs the factory even under concurrent Get calls.
type entry struct {
	once sync.Once
	tool Tool
	err  error
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Registry{
		specs:   make(map[string]*Spec),
		entries: make(map[string]*entry),
		sets:    make(map[string]*Set),
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterSpec records a tool spec. Registering the same name twice keeps the
// original spec and returns without error.
func (r *Registry) RegisterSpec(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Build == nil {
		return fmt.Errorf("tool spec %q requires a build factory", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		r.logger.Debug(context.Background(), "duplicate tool spec ignored", "tool", spec.Name)
		return nil
	}
	r.specs[spec.Name] = spec
	r.entries[spec.Name] = &entry{}
	return nil
}

// Spec returns the registered spec for name, if any.
func (r *Registry) Spec(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns all registered specs sorted by name.
func (r *Registry) Specs() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the single shared instance for name, building it on first use.
// Concurrent callers for the same name receive the same instance; a failed
// build is returned to every caller and never retried.
func (r *Registry) Get(ctx context.Context, name string) (Tool, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	ent := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	ent.once.Do(func() {
		ent.tool, ent.err = spec.Build()
		if ent.err != nil {
			r.logger.Error(ctx, "tool build failed", "tool", name, "error", ent.err)
		} else {
			r.logger.Debug(ctx, "tool loaded", "tool", name)
		}
	})
	if ent.err != nil {
		return nil, fmt.Errorf("build tool %q: %w", name, ent.err)
	}
	return ent.tool, nil
}

// Preload eagerly builds the named tools so first-turn latency does not pay
// construction cost. Build failures are logged and skipped.
func (r *Registry) Preload(ctx context.Context, names []string) {
	for _, name := range names {
		if _, err := r.Get(ctx, name); err != nil {
			r.logger.Warn(ctx, "tool preload failed", "tool", name, "error", err)
		}
	}
}

// Unregister removes a spec and drops any built instance. Subsequent Get
// calls for the name fail; a later RegisterSpec starts fresh.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
	delete(r.entries, name)
}

// Filter selects specs matching the criteria. Tags match with OR semantics;
// Category is exact; NamePattern is a regular expression applied to the tool
// name. Empty criteria match everything.
type Filter struct {
	Tags        []string
	Category    string
	NamePattern string
}

// FilterSpecs returns the specs matching f, sorted by name.
func (r *Registry) FilterSpecs(f Filter) ([]*Spec, error) {
	var re *regexp.Regexp
	if f.NamePattern != "" {
		var err error
		re, err = regexp.Compile(f.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern: %w", err)
		}
	}

	var out []*Spec
	for _, s := range r.Specs() {
		if f.Category != "" && s.Category != f.Category {
			continue
		}
		if re != nil && !re.MatchString(s.Name) {
			continue
		}
		if len(f.Tags) > 0 {
			hit := false
			for _, t := range f.Tags {
				if s.HasTag(t) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}
