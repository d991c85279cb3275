// Package mailbox implements the process-local inter-agent message queue
// with threading, priority ordering, and unread accounting.
package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/pkg/models"
)

// UserInbox receives mail whose recipient is empty or cannot be resolved to
// a registered agent.
const UserInbox = "user"

// AliasResolver maps loose recipient names onto canonical agent ids. The
// agent registry satisfies this.
type AliasResolver interface {
	ResolveAlias(name string) (string, bool)
}

// Mailbox stores mail in memory. One mutex guards the inbox maps and every
// status transition on stored entries.
type Mailbox struct {
	mu      sync.Mutex
	byID    map[string]*models.Mail
	inboxes map[string][]string // recipient -> message ids in arrival order

	resolver AliasResolver
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithResolver wires the agent alias resolver used for recipient lookup.
func WithResolver(r AliasResolver) Option {
	return func(m *Mailbox) { m.resolver = r }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

// New builds an empty mailbox.
func New(logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Mailbox {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	m := &Mailbox{
		byID:    make(map[string]*models.Mail),
		inboxes: make(map[string][]string),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// resolveRecipient maps a loose recipient name to a canonical inbox. Empty
// and unresolvable names land in the user inbox.
func (m *Mailbox) resolveRecipient(ctx context.Context, name string) string {
	if name == "" {
		return UserInbox
	}
	if m.resolver != nil {
		if id, ok := m.resolver.ResolveAlias(name); ok {
			return id
		}
		m.logger.Debug(ctx, "mail recipient unresolved, routing to user", "recipient", name)
		return UserInbox
	}
	return name
}

// Send stores a new mail and returns its id. Priority defaults to normal;
// status is always unread on arrival.
func (m *Mailbox) Send(ctx context.Context, mail *models.Mail) (string, error) {
	if mail == nil {
		return "", fmt.Errorf("mail is nil")
	}
	stored := cloneMail(mail)
	stored.ID = uuid.NewString()
	stored.ToAgent = m.resolveRecipient(ctx, mail.ToAgent)
	if stored.Priority == "" {
		stored.Priority = models.PriorityNormal
	}
	if !stored.Priority.Valid() {
		return "", fmt.Errorf("invalid mail priority %q", stored.Priority)
	}
	if stored.ThreadID == "" {
		stored.ThreadID = uuid.NewString()
	}
	stored.Status = models.MailUnread
	stored.CreatedAt = m.now()

	m.mu.Lock()
	m.byID[stored.ID] = stored
	m.inboxes[stored.ToAgent] = append(m.inboxes[stored.ToAgent], stored.ID)
	unread := m.unreadLocked(stored.ToAgent)
	m.mu.Unlock()

	m.metrics.MailSent.WithLabelValues(string(stored.Priority)).Inc()
	m.metrics.UnreadMail.WithLabelValues(stored.ToAgent).Set(float64(unread))
	m.logger.Info(ctx, "mail sent",
		"mail_id", stored.ID,
		"from", stored.FromAgent,
		"to", stored.ToAgent,
		"priority", stored.Priority,
	)
	return stored.ID, nil
}

// Reply stores a response to an existing mail. The reply joins the
// original's thread and records the original id in ReplyTo.
func (m *Mailbox) Reply(ctx context.Context, originalID string, mail *models.Mail) (string, error) {
	if mail == nil {
		return "", fmt.Errorf("mail is nil")
	}
	m.mu.Lock()
	original, ok := m.byID[originalID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("reply target %q not found", originalID)
	}

	reply := cloneMail(mail)
	reply.ThreadID = original.ThreadID
	reply.ReplyTo = original.ID
	if reply.ToAgent == "" {
		reply.ToAgent = original.FromAgent
	}
	if reply.Subject == "" {
		reply.Subject = "Re: " + original.Subject
	}
	return m.Send(ctx, reply)
}

// Check returns the recipient's unread mail ordered by priority rank (urgent
// first) then arrival time, and marks every returned message as read.
func (m *Mailbox) Check(ctx context.Context, recipient string) []*models.Mail {
	inbox := m.resolveRecipient(ctx, recipient)

	m.mu.Lock()
	var out []*models.Mail
	for _, id := range m.inboxes[inbox] {
		mail := m.byID[id]
		if mail.Status != models.MailUnread {
			continue
		}
		mail.Status = models.MailRead
		out = append(out, cloneMail(mail))
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	m.metrics.UnreadMail.WithLabelValues(inbox).Set(0)
	return out
}

// ListAll returns the recipient's mail in arrival order. Read and archived
// entries are included only when requested; listing never changes status.
func (m *Mailbox) ListAll(ctx context.Context, recipient string, includeRead, includeArchived bool) []*models.Mail {
	inbox := m.resolveRecipient(ctx, recipient)

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Mail
	for _, id := range m.inboxes[inbox] {
		mail := m.byID[id]
		switch mail.Status {
		case models.MailRead:
			if !includeRead {
				continue
			}
		case models.MailArchived:
			if !includeArchived {
				continue
			}
		}
		out = append(out, cloneMail(mail))
	}
	return out
}

// UnreadCount reports how many unread messages the recipient has.
func (m *Mailbox) UnreadCount(ctx context.Context, recipient string) int {
	inbox := m.resolveRecipient(ctx, recipient)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unreadLocked(inbox)
}

func (m *Mailbox) unreadLocked(inbox string) int {
	n := 0
	for _, id := range m.inboxes[inbox] {
		if m.byID[id].Status == models.MailUnread {
			n++
		}
	}
	return n
}

// Get returns a mail by id without changing its status.
func (m *Mailbox) Get(id string) (*models.Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return cloneMail(mail), true
}

// Archive marks a mail archived. Archived is terminal; archiving again is a
// no-op.
func (m *Mailbox) Archive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mail, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("mail %q not found", id)
	}
	mail.Status = models.MailArchived
	return nil
}

// Thread returns every mail in a thread, oldest first.
func (m *Mailbox) Thread(threadID string) []*models.Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Mail
	for _, mail := range m.byID {
		if mail.ThreadID == threadID {
			out = append(out, cloneMail(mail))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneMail(m *models.Mail) *models.Mail {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
