package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/pkg/models"
)

// Session holds one conversation's append-only transcript and turn lock.
// The engine is the sole writer; readers receive copies.
type Session struct {
	ID      string
	UserID  string
	AgentID string

	// turnMu serializes user turns. A second message for the same session
	// is rejected while a turn is in flight.
	turnMu sync.Mutex

	mu         sync.RWMutex
	transcript []models.Message
	lastActive time.Time
	createdAt  time.Time
}

// Transcript returns a copy of the committed messages.
func (s *Session) Transcript() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.transcript...)
}

// Len returns the committed transcript length.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcript)
}

// commit appends messages in order. This is the only transcript mutation.
func (s *Session) commit(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msgs...)
	s.lastActive = time.Now()
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive reports the most recent commit or touch time.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// tryBeginTurn takes the turn lock without blocking. It returns false when a
// turn is already running.
func (s *Session) tryBeginTurn() bool {
	return s.turnMu.TryLock()
}

func (s *Session) endTurn() {
	s.turnMu.Unlock()
}

// SessionStore owns the live sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idleTTL  time.Duration
}

// NewSessionStore builds an empty store. Idle sessions older than ttl are
// removed by ReclaimIdle; zero disables reclamation.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		idleTTL:  ttl,
	}
}

// Create registers a new session for the user and agent. An empty id is
// allocated.
func (st *SessionStore) Create(id, userID, agentID string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	s := &Session{
		ID:         id,
		UserID:     userID,
		AgentID:    agentID,
		lastActive: now,
		createdAt:  now,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[id]; exists {
		return nil, fmt.Errorf("session %q already exists", id)
	}
	st.sessions[id] = s
	return s, nil
}

// Get returns a live session.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes a session and reports whether it existed.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	return ok
}

// Len reports the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ReclaimIdle drops sessions idle past the TTL and returns their ids.
// Sessions with a turn in flight are skipped.
func (st *SessionStore) ReclaimIdle() []string {
	if st.idleTTL <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-st.idleTTL)

	st.mu.Lock()
	defer st.mu.Unlock()
	var reclaimed []string
	for id, s := range st.sessions {
		if !s.LastActive().Before(cutoff) {
			continue
		}
		if !s.tryBeginTurn() {
			continue
		}
		s.endTurn()
		delete(st.sessions, id)
		reclaimed = append(reclaimed, id)
	}
	return reclaimed
}
