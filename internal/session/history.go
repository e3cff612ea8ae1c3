// Package session keeps the per-conversation message log. Conversations are
// isolated from each other; within one conversation turns are strictly
// serialized so a user's messages are never reordered.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mskwealth/sage/internal/rag"
)

// Manager hands out per-conversation sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[uuid.UUID]*Session), now: time.Now}
}

// Get returns the session for a conversation, creating it on first use.
func (m *Manager) Get(conversationID uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		s = &Session{id: conversationID}
		m.sessions[conversationID] = s
	}
	s.lastUsed = m.now()
	return s
}

// Len reports how many sessions are live.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle removes sessions whose last Get was at least maxIdle ago and
// returns how many were removed. A session with a turn in flight is never
// removed. A conversation that comes back after eviction starts with an
// empty history.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxIdle)
	evicted := 0
	for id, s := range m.sessions {
		if s.lastUsed.After(cutoff) {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		s.mu.Unlock()
		delete(m.sessions, id)
		evicted++
	}
	return evicted
}

// Session is one conversation's append-only turn log.
type Session struct {
	id       uuid.UUID
	lastUsed time.Time // guarded by Manager.mu
	mu       sync.Mutex
	turns    []rag.ConversationTurn
}

func (s *Session) ID() uuid.UUID { return s.id }

// BeginTurn blocks until any in-flight turn on this conversation finishes,
// then reserves the next turn slot. The caller must end the turn with either
// Commit or Abort; an aborted turn leaves no trace in the history.
func (s *Session) BeginTurn() *Turn {
	s.mu.Lock()
	return &Turn{session: s, index: len(s.turns)}
}

// History returns a snapshot of all committed turns, oldest first.
func (s *Session) History() []rag.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rag.ConversationTurn(nil), s.turns...)
}

// Turn is an exclusive reservation of one conversation slot.
type Turn struct {
	session *Session
	index   int
	ended   bool
}

// Index is the 0-based position this turn will occupy if committed.
func (t *Turn) Index() int { return t.index }

// History is the committed history visible to this turn.
func (t *Turn) History() []rag.ConversationTurn {
	return append([]rag.ConversationTurn(nil), t.session.turns...)
}

// Commit appends the completed turn and releases the conversation.
func (t *Turn) Commit(turn rag.ConversationTurn) {
	if t.ended {
		return
	}
	t.ended = true
	t.session.turns = append(t.session.turns, turn)
	t.session.mu.Unlock()
}

// Abort releases the conversation without recording anything.
func (t *Turn) Abort() {
	if t.ended {
		return
	}
	t.ended = true
	t.session.mu.Unlock()
}
