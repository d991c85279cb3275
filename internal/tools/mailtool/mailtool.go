// Package mailtool exposes the inter-agent mailbox as callable tools.
package mailtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoke-ai/convoke/internal/mailbox"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/pkg/models"
)

// RegisterSpecs records the mail tool specs on the registry. The sender is
// taken from each call's "from" argument; the model fills it with the
// calling agent's id.
func RegisterSpecs(reg *tools.Registry, mb *mailbox.Mailbox) error {
	specs := []*tools.Spec{
		{
			Name:        "send_mail",
			Category:    "messaging",
			Description: "Send a message to another agent or to the user.",
			Schema:      sendSchema,
			Tags:        []string{"mail", "mutating"},
			Build:       func() (tools.Tool, error) { return &sendTool{mb: mb}, nil },
		},
		{
			Name:        "check_mail",
			Category:    "messaging",
			Description: "Fetch unread mail for an agent, marking it read.",
			Schema:      checkSchema,
			Tags:        []string{"mail", "safe"},
			Build:       func() (tools.Tool, error) { return &checkTool{mb: mb}, nil },
		},
		{
			Name:        "reply_mail",
			Category:    "messaging",
			Description: "Reply to a previously received mail, staying in its thread.",
			Schema:      replySchema,
			Tags:        []string{"mail", "mutating"},
			Build:       func() (tools.Tool, error) { return &replyTool{mb: mb}, nil },
		},
	}
	for _, spec := range specs {
		if err := reg.RegisterSpec(spec); err != nil {
			return err
		}
	}
	return nil
}

var sendSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"from": {"type": "string", "description": "Sending agent id"},
		"to": {"type": "string", "description": "Recipient agent name or alias; empty addresses the user"},
		"subject": {"type": "string"},
		"body": {"type": "string"},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]}
	},
	"required": ["from", "body"]
}`)

var checkSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"recipient": {"type": "string", "description": "Agent id whose inbox to check"}
	},
	"required": ["recipient"]
}`)

var replySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"from": {"type": "string", "description": "Sending agent id"},
		"reply_to": {"type": "string", "description": "Id of the mail being answered"},
		"body": {"type": "string"}
	},
	"required": ["from", "reply_to", "body"]
}`)

type sendArgs struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

type sendTool struct {
	mb *mailbox.Mailbox
}

func (t *sendTool) Name() string        { return "send_mail" }
func (t *sendTool) Description() string { return "Send a message to another agent or to the user." }
func (t *sendTool) Schema() json.RawMessage { return sendSchema }
func (t *sendTool) Tags() []string          { return []string{"mail", "mutating"} }
func (t *sendTool) Category() string        { return "messaging" }
func (t *sendTool) PromptInstructions() string {
	return "Use send_mail to hand work to another agent; leave \"to\" empty to message the user."
}

func (t *sendTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a sendArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	id, err := t.mb.Send(ctx, &models.Mail{
		FromAgent: a.From,
		ToAgent:   a.To,
		Subject:   a.Subject,
		Body:      a.Body,
		Priority:  models.MailPriority(a.Priority),
	})
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("mail %s delivered", id)}, nil
}

type checkArgs struct {
	Recipient string `json:"recipient"`
}

type checkTool struct {
	mb *mailbox.Mailbox
}

func (t *checkTool) Name() string               { return "check_mail" }
func (t *checkTool) Description() string        { return "Fetch unread mail for an agent, marking it read." }
func (t *checkTool) Schema() json.RawMessage    { return checkSchema }
func (t *checkTool) Tags() []string             { return []string{"mail", "safe"} }
func (t *checkTool) Category() string           { return "messaging" }
func (t *checkTool) PromptInstructions() string { return "" }

func (t *checkTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a checkArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	unread := t.mb.Check(ctx, a.Recipient)
	if len(unread) == 0 {
		return &tools.Result{Content: "no unread mail"}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unread message(s):\n", len(unread))
	for _, m := range unread {
		fmt.Fprintf(&b, "- [%s] from %s (id %s): %s\n  %s\n", m.Priority, m.FromAgent, m.ID, m.Subject, m.Body)
	}
	return &tools.Result{Content: b.String()}, nil
}

type replyArgs struct {
	From    string `json:"from"`
	ReplyTo string `json:"reply_to"`
	Body    string `json:"body"`
}

type replyTool struct {
	mb *mailbox.Mailbox
}

func (t *replyTool) Name() string { return "reply_mail" }
func (t *replyTool) Description() string {
	return "Reply to a previously received mail, staying in its thread."
}
func (t *replyTool) Schema() json.RawMessage    { return replySchema }
func (t *replyTool) Tags() []string             { return []string{"mail", "mutating"} }
func (t *replyTool) Category() string           { return "messaging" }
func (t *replyTool) PromptInstructions() string { return "" }

func (t *replyTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a replyArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	id, err := t.mb.Reply(ctx, a.ReplyTo, &models.Mail{
		FromAgent: a.From,
		Body:      a.Body,
	})
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("reply %s delivered", id)}, nil
}
