package channels

import (
	"context"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/pkg/models"
)

// Notifier receives channel messages that passed the session's visibility
// filter. The outbound adapter implements this.
type Notifier interface {
	NotifyChannelMessage(ctx context.Context, sessionID string, msg models.ChannelMessage)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, sessionID string, msg models.ChannelMessage)

func (f NotifierFunc) NotifyChannelMessage(ctx context.Context, sessionID string, msg models.ChannelMessage) {
	f(ctx, sessionID, msg)
}

// Router parses model output into channel messages, sequences them, stores
// them, and forwards visible ones to the notifier.
type Router struct {
	store    *Store
	notifier Notifier
	logger   *observability.Logger
	now      func() time.Time

	mu         sync.Mutex
	sequencers map[string]*sequencer
	visibility map[string]models.ChannelVisibility
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithNotifier wires the outbound notifier.
func WithNotifier(n Notifier) RouterOption {
	return func(r *Router) { r.notifier = n }
}

// WithRouterClock overrides the timestamp source, for tests.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter builds a router over the given store.
func NewRouter(store *Store, logger *observability.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Router{
		store:      store,
		logger:     logger,
		now:        time.Now,
		sequencers: make(map[string]*sequencer),
		visibility: make(map[string]models.ChannelVisibility),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNotifier installs the outbound notifier after construction. The
// runtime service and the router reference each other, so the notifier is
// bound late; call this before any turn routes.
func (r *Router) SetNotifier(n Notifier) {
	r.notifier = n
}

func (r *Router) sequencerFor(sessionID string) *sequencer {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq, ok := r.sequencers[sessionID]
	if !ok {
		seq = newSequencer()
		r.sequencers[sessionID] = seq
	}
	return seq
}

// SetVisibility replaces a session's channel visibility preferences.
func (r *Router) SetVisibility(sessionID string, v models.ChannelVisibility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visibility[sessionID] = v
}

// Visibility returns the session's preferences, defaulted when unset.
func (r *Router) Visibility(sessionID string) models.ChannelVisibility {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.visibility[sessionID]; ok {
		return v
	}
	return models.DefaultVisibility()
}

// RouteOptions carries per-response routing metadata.
type RouteOptions struct {
	AgentID           string
	ToolCalls         []models.ToolCall
	ContinuationDepth int
}

// Route parses a complete (non-streaming) model response, assigns fresh
// sequence numbers, stores every piece, and notifies the visible ones. Any
// pending streaming sequences for the session are cleared first.
func (r *Router) Route(ctx context.Context, sessionID, raw string, opts RouteOptions) []models.ChannelMessage {
	seq := r.sequencerFor(sessionID)
	seq.ClearPending()

	pieces := Parse(raw)
	out := make([]models.ChannelMessage, 0, len(pieces))
	for _, p := range pieces {
		msg := models.ChannelMessage{
			Channel: p.Channel,
			Content: p.Content,
			Meta: models.ChannelMeta{
				Sequence:          seq.Fresh(),
				Timestamp:         r.now(),
				AgentID:           opts.AgentID,
				SessionID:         sessionID,
				ContinuationDepth: opts.ContinuationDepth,
			},
		}
		if p.Channel == models.ChannelCommentary {
			msg.Meta.ToolCalls = opts.ToolCalls
		}
		r.deliver(ctx, sessionID, msg)
		out = append(out, msg)
	}
	return out
}

// RoutePartial emits one streaming fragment on a channel. Partials reuse the
// channel's pending sequence; the closing non-partial message consumes it.
func (r *Router) RoutePartial(ctx context.Context, sessionID string, channel models.Channel, content string, isPartial bool, opts RouteOptions) models.ChannelMessage {
	seq := r.sequencerFor(sessionID)
	var sequence uint64
	if isPartial {
		sequence = seq.Partial(channel)
	} else {
		sequence = seq.Close(channel)
	}

	msg := models.ChannelMessage{
		Channel: channel,
		Content: content,
		Meta: models.ChannelMeta{
			Sequence:          sequence,
			Timestamp:         r.now(),
			AgentID:           opts.AgentID,
			SessionID:         sessionID,
			ContinuationDepth: opts.ContinuationDepth,
			IsPartial:         isPartial,
		},
	}
	r.deliver(ctx, sessionID, msg)
	return msg
}

// deliver stores unconditionally and notifies only when the channel is
// visible for the session.
func (r *Router) deliver(ctx context.Context, sessionID string, msg models.ChannelMessage) {
	r.store.Append(sessionID, msg)
	if r.notifier == nil {
		return
	}
	if !r.Visibility(sessionID).Visible(msg.Channel) {
		return
	}
	r.notifier.NotifyChannelMessage(ctx, sessionID, msg)
}

// History proxies a storage query for the session.
func (r *Router) History(sessionID string, q Query) []models.ChannelMessage {
	return r.store.Get(sessionID, q)
}

// DropSession releases the session's sequencer, visibility entry, and
// stored history.
func (r *Router) DropSession(sessionID string) {
	r.mu.Lock()
	delete(r.sequencers, sessionID)
	delete(r.visibility, sessionID)
	r.mu.Unlock()
	r.store.Drop(sessionID)
}
