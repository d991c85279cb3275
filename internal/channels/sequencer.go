// Package channels parses model output into the analysis, commentary, and
// final channels, assigns per-session sequence numbers, and keeps a bounded
// per-channel history.
package channels

import (
	"sync"

	"github.com/convoke-ai/convoke/pkg/models"
)

// sequencer hands out a session's monotone sequence numbers. A streamed
// channel holds one pending sequence that every partial reuses until the
// closing non-partial message releases it.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[models.Channel]uint64
}

func newSequencer() *sequencer {
	return &sequencer{next: 1, pending: make(map[models.Channel]uint64)}
}

// Fresh allocates a new sequence number for a non-streaming message.
func (s *sequencer) Fresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked()
}

func (s *sequencer) allocLocked() uint64 {
	seq := s.next
	s.next++
	return seq
}

// Partial returns the channel's pending streaming sequence, allocating one
// on the first partial.
func (s *sequencer) Partial(ch models.Channel) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.pending[ch]; ok {
		return seq
	}
	seq := s.allocLocked()
	s.pending[ch] = seq
	return seq
}

// Close returns the sequence for the channel's final non-partial message.
// It reuses the pending streaming sequence when one exists, otherwise it
// allocates fresh. The pending entry is released either way.
func (s *sequencer) Close(ch models.Channel) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.pending[ch]; ok {
		delete(s.pending, ch)
		return seq
	}
	return s.allocLocked()
}

// ClearPending abandons all pending streaming sequences. A non-streaming
// response calls this before routing so stale stream state cannot leak into
// the new message.
func (s *sequencer) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
}
