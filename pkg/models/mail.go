package models

import "time"

// MailPriority orders mailbox entries within an inbox.
type MailPriority string

const (
	PriorityLow    MailPriority = "low"
	PriorityNormal MailPriority = "normal"
	PriorityHigh   MailPriority = "high"
	PriorityUrgent MailPriority = "urgent"
)

// Valid reports whether p is one of the defined priorities.
func (p MailPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank maps priorities to sortable weights; unknown values sort as normal.
func (p MailPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// MailStatus tracks the lifecycle of a mailbox entry.
// The only legal transitions are unread -> read -> archived; archived is
// terminal.
type MailStatus string

const (
	MailUnread   MailStatus = "unread"
	MailRead     MailStatus = "read"
	MailArchived MailStatus = "archived"
)

// Mail is one inter-agent mailbox entry. An empty ToAgent addresses the
// user's inbox ("user").
type Mail struct {
	ID        string         `json:"message_id"`
	ThreadID  string         `json:"thread_id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Priority  MailPriority   `json:"priority"`
	Status    MailStatus     `json:"status"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}
