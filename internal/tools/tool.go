// Package tools provides the tool contract, the lazy single-instance
// registry, and named tool sets with inheritance used to scope each agent's
// tool visibility.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is the capability contract every executable tool satisfies.
//
// Implementations must be safe for concurrent use; the registry guarantees a
// single instance per name, shared by every session.
type Tool interface {
	// Name returns the tool name used for model function calling.
	Name() string

	// Description returns a natural-language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters. Arguments
	// are validated against it before Execute is called.
	Schema() json.RawMessage

	// Tags returns the classification tags used by set and filter logic.
	Tags() []string

	// Category returns the coarse tool category (fs, messaging, shell, ...).
	Category() string

	// PromptInstructions returns extra usage guidance injected into agent
	// prompts; may be empty.
	PromptInstructions() string

	// Execute runs the tool with validated JSON arguments.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is the outcome of one tool execution. Execution failures are
// reported through IsError rather than an error return so the turn can
// continue.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an error-flagged result with the given text.
func ErrorResult(msg string) *Result {
	return &Result{Content: msg, IsError: true}
}

// Spec describes a tool before it is loaded. The registry records specs at
// startup and instantiates the tool on first request through the Build
// factory, exactly once per name.
type Spec struct {
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
	Tags        []string        `json:"tags,omitempty"`

	// Build constructs the tool instance. Called at most once.
	Build func() (Tool, error) `json:"-"`
}

// HasTag reports whether the spec carries tag.
func (s *Spec) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Definition is the provider-facing projection of a tool, passed to the
// model client when building a completion request.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
}

// Define projects a loaded tool into its provider definition.
func Define(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema(),
	}
}
