// Package caps provides the per-model capability table that governs
// tool-dispatch shape and structured-output support.
package caps

import (
	"strings"
	"sync"
)

// Record describes how a model handles tool calling and structured output.
type Record struct {
	// MultiTool reports whether the model may emit more than one tool call
	// per turn.
	MultiTool bool `json:"multi_tool"`

	// ParallelTools reports whether multiple calls may be dispatched
	// concurrently. Meaningless when MultiTool is false.
	ParallelTools bool `json:"parallel_tools"`

	// MaxToolsPerTurn caps the calls accepted in one turn (0 = unlimited).
	MaxToolsPerTurn int `json:"max_tools_per_turn"`

	// StructuredOutput reports whether the model honors response_format
	// JSON schemas.
	StructuredOutput bool `json:"structured_output"`

	// Quirks carries model-specific oddities consumed by the prompt
	// optimizer and router (free-form keys).
	Quirks map[string]string `json:"quirks,omitempty"`
}

// DefaultRecord is returned when no table entry matches. It is deliberately
// conservative: single tool per turn, sequential dispatch.
func DefaultRecord() Record {
	return Record{
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: false,
	}
}

// Table maps model ids to capability records with longest-prefix fallback:
// "vendor/family-variant-date" falls back to "vendor/family" and then to
// "vendor" before the documented default applies.
type Table struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewTable creates a table seeded with the built-in entries.
func NewTable() *Table {
	t := &Table{records: make(map[string]Record, len(builtins))}
	for id, rec := range builtins {
		t.records[id] = rec
	}
	return t
}

// Set registers or replaces the record for a model id or id prefix.
func (t *Table) Set(modelID string, rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[normalize(modelID)] = rec
}

// Lookup resolves the record for modelID: exact match first, then the
// longest registered prefix on "/-" boundaries, then DefaultRecord.
func (t *Table) Lookup(modelID string) Record {
	id := normalize(modelID)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.records[id]; ok {
		return rec
	}

	for prefix := parent(id); prefix != ""; prefix = parent(prefix) {
		if rec, ok := t.records[prefix]; ok {
			return rec
		}
	}
	return DefaultRecord()
}

// parent strips the last "/"- or "-"-delimited segment from id, so
// "openai/gpt-4o-2024-08-06" walks through "openai/gpt-4o-2024",
// "openai/gpt-4o", "openai/gpt", "openai".
func parent(id string) string {
	cut := strings.LastIndexAny(id, "/-")
	if cut <= 0 {
		return ""
	}
	return id[:cut]
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// builtins is the shipped capability table. Entries are keyed by
// vendor/family prefixes so dated variants resolve without updates.
var builtins = map[string]Record{
	"openai/gpt-4o": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
	},
	"openai/gpt-4": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  8,
		StructuredOutput: true,
	},
	"openai/gpt-3.5": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  4,
		StructuredOutput: false,
	},
	"anthropic/claude-3-opus": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: false,
	},
	"anthropic/claude-3-sonnet": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: false,
	},
	"anthropic/claude-3-haiku": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  5,
		StructuredOutput: false,
	},
	"google/gemini-pro": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  5,
		StructuredOutput: true,
		Quirks:           map[string]string{"tool_choice": "auto_only"},
	},
	"meta-llama/llama-3": {
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: false,
		Quirks:           map[string]string{"tool_calls": "json_in_content"},
	},
	"mistralai/mixtral": {
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: false,
	},
}
