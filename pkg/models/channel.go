package models

import "time"

// Channel identifies one of the three semantic output channels.
type Channel string

const (
	// ChannelAnalysis carries private model reasoning and continuation hints.
	ChannelAnalysis Channel = "analysis"

	// ChannelCommentary carries tool calls and structured working notes.
	ChannelCommentary Channel = "commentary"

	// ChannelFinal carries user-facing response text.
	ChannelFinal Channel = "final"
)

// Valid reports whether c is one of the three defined channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelAnalysis, ChannelCommentary, ChannelFinal:
		return true
	}
	return false
}

// ChannelMessage is one routed unit of model output on a single channel.
type ChannelMessage struct {
	Channel Channel     `json:"channel"`
	Content string      `json:"content"`
	Meta    ChannelMeta `json:"metadata"`
}

// ChannelMeta carries the routing metadata attached to every channel message.
//
// Sequence numbers are monotone per session. While a channel is being
// streamed, successive partial messages reuse the same sequence number until
// the closing non-partial message; distinct logical messages always receive
// distinct sequence numbers.
type ChannelMeta struct {
	Sequence          uint64         `json:"sequence"`
	Timestamp         time.Time      `json:"timestamp"`
	AgentID           string         `json:"agentId,omitempty"`
	SessionID         string         `json:"sessionId,omitempty"`
	ToolCalls         []ToolCall     `json:"toolCalls,omitempty"`
	ContinuationDepth int            `json:"continuationDepth,omitempty"`
	IsPartial         bool           `json:"isPartial,omitempty"`
	Custom            map[string]any `json:"custom,omitempty"`
}

// ChannelVisibility holds a session's per-channel visibility preferences.
// The final channel is always visible; analysis defaults to hidden and
// commentary to visible. Visibility filters outbound notifications only,
// never storage.
type ChannelVisibility struct {
	ShowAnalysis   bool `json:"show_analysis"`
	ShowCommentary bool `json:"show_commentary"`
}

// DefaultVisibility returns the documented default preferences.
func DefaultVisibility() ChannelVisibility {
	return ChannelVisibility{ShowAnalysis: false, ShowCommentary: true}
}

// Visible reports whether messages on c should be forwarded to the adapter.
func (v ChannelVisibility) Visible(c Channel) bool {
	switch c {
	case ChannelAnalysis:
		return v.ShowAnalysis
	case ChannelCommentary:
		return v.ShowCommentary
	default:
		return true
	}
}
