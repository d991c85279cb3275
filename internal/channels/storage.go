package channels

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/pkg/models"
)

const (
	// DefaultCapacity bounds each (session, channel) history.
	DefaultCapacity = 1000

	// DefaultIdleTTL is how long an untouched session's history is kept.
	DefaultIdleTTL = 24 * time.Hour
)

// ring is a fixed-capacity circular buffer of channel messages.
type ring struct {
	buf   []models.ChannelMessage
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.ChannelMessage, capacity)}
}

func (r *ring) push(msg models.ChannelMessage) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = msg
		r.count++
		return
	}
	// Full: overwrite the oldest entry.
	r.buf[r.start] = msg
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) all() []models.ChannelMessage {
	out := make([]models.ChannelMessage, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

type sessionBuffers struct {
	rings      map[models.Channel]*ring
	lastActive time.Time
}

// Store keeps bounded per-(session, channel) message history and evicts
// idle sessions on a schedule.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionBuffers
	capacity int
	idleTTL  time.Duration
	now      func() time.Time

	cron    *cron.Cron
	logger  *observability.Logger
	metrics *observability.Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCapacity overrides the per-channel ring capacity.
func WithCapacity(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithIdleTTL overrides how long idle session history is retained.
func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// WithStoreClock overrides the time source, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore builds an empty store.
func NewStore(logger *observability.Logger, metrics *observability.Metrics, opts ...StoreOption) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	s := &Store{
		sessions: make(map[string]*sessionBuffers),
		capacity: DefaultCapacity,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartEviction schedules hourly idle-session sweeps. Stop with
// StopEviction.
func (s *Store) StartEviction(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.cron.AddFunc("@hourly", func() {
		evicted := s.EvictIdle()
		if evicted > 0 {
			s.logger.Info(ctx, "evicted idle channel history", "sessions", evicted)
		}
	})
	s.cron.Start()
}

// StopEviction halts the sweep schedule.
func (s *Store) StopEviction() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Append records a message in the session's channel ring.
func (s *Store) Append(sessionID string, msg models.ChannelMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffers, ok := s.sessions[sessionID]
	if !ok {
		buffers = &sessionBuffers{rings: make(map[models.Channel]*ring)}
		s.sessions[sessionID] = buffers
	}
	r, ok := buffers.rings[msg.Channel]
	if !ok {
		r = newRing(s.capacity)
		buffers.rings[msg.Channel] = r
	}
	r.push(msg)
	buffers.lastActive = s.now()
	s.metrics.ChannelMessages.WithLabelValues(string(msg.Channel)).Inc()
}

// Query selects stored messages for one session.
type Query struct {
	// Channels restricts the result; empty means all three.
	Channels []models.Channel

	// SinceSequence keeps only messages with a strictly greater sequence.
	SinceSequence uint64

	// Limit caps the result after merging and sorting; zero means no cap.
	Limit int
}

// Get returns the session's messages matching q, merged across channels and
// sorted by sequence.
func (s *Store) Get(sessionID string, q Query) []models.ChannelMessage {
	s.mu.RLock()
	buffers, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}

	wanted := q.Channels
	if len(wanted) == 0 {
		wanted = []models.Channel{models.ChannelAnalysis, models.ChannelCommentary, models.ChannelFinal}
	}
	var merged []models.ChannelMessage
	for _, ch := range wanted {
		if r, ok := buffers.rings[ch]; ok {
			merged = append(merged, r.all()...)
		}
	}
	s.mu.RUnlock()

	if q.SinceSequence > 0 {
		filtered := merged[:0]
		for _, m := range merged {
			if m.Meta.Sequence > q.SinceSequence {
				filtered = append(filtered, m)
			}
		}
		merged = filtered
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Meta.Sequence < merged[j].Meta.Sequence
	})
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[len(merged)-q.Limit:]
	}
	return merged
}

// Drop removes a session's history immediately.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// EvictIdle removes sessions idle past the TTL and reports how many went.
func (s *Store) EvictIdle() int {
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, buffers := range s.sessions {
		if buffers.lastActive.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}
