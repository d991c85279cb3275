// Package models defines the shared data types exchanged between the
// session engine, channel router, mailbox, and external adapters.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a session transcript. It is a tagged variant over
// Role: user and system messages carry Content only; assistant messages may
// carry Content, Reasoning, and ToolCalls; tool messages carry the result of
// exactly one tool call, identified by ToolCallID and ToolName.
//
// Transcript entries are append-only and never mutated once committed.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content,omitempty"`

	// Reasoning carries model reasoning text on assistant messages. It is
	// kept distinct from Content; adapters decide whether to surface it.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCall represents a model's request to execute a named tool.
// Arguments is the raw JSON argument object as produced by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FinishReason mirrors the model provider's reported reason for ending a
// completion stream.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)
