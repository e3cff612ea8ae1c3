package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mskwealth/sage/internal/rag"
)

func turnFor(convID uuid.UUID, index int, text string) rag.ConversationTurn {
	return rag.ConversationTurn{
		Query:     rag.Query{Text: text, ConversationID: convID, TurnIndex: index},
		Answer:    rag.GeneratedAnswer{Text: "answer to " + text},
		Timestamp: time.Now().UTC(),
	}
}

func TestManager_SameSessionForSameConversation(t *testing.T) {
	m := NewManager()
	id := uuid.New()

	if m.Get(id) != m.Get(id) {
		t.Error("expected the same session for the same conversation id")
	}
	if m.Get(id) == m.Get(uuid.New()) {
		t.Error("expected distinct sessions for distinct conversations")
	}
}

func TestSession_CommitAppendsInOrder(t *testing.T) {
	s := NewManager().Get(uuid.New())

	for i := 0; i < 3; i++ {
		turn := s.BeginTurn()
		if turn.Index() != i {
			t.Errorf("expected turn index %d, got %d", i, turn.Index())
		}
		turn.Commit(turnFor(s.ID(), i, fmt.Sprintf("q%d", i)))
	}

	history := s.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(history))
	}
	for i, turn := range history {
		if turn.Query.Text != fmt.Sprintf("q%d", i) {
			t.Errorf("turn %d out of order: %q", i, turn.Query.Text)
		}
	}
}

func TestSession_AbortLeavesNoTrace(t *testing.T) {
	s := NewManager().Get(uuid.New())

	turn := s.BeginTurn()
	turn.Abort()

	if len(s.History()) != 0 {
		t.Error("aborted turn must not appear in history")
	}

	// The slot is reused by the next turn.
	next := s.BeginTurn()
	if next.Index() != 0 {
		t.Errorf("expected index 0 after abort, got %d", next.Index())
	}
	next.Commit(turnFor(s.ID(), 0, "q0"))
	if len(s.History()) != 1 {
		t.Errorf("expected 1 turn, got %d", len(s.History()))
	}
}

func TestSession_TurnHistoryIsSnapshot(t *testing.T) {
	s := NewManager().Get(uuid.New())

	turn := s.BeginTurn()
	seen := turn.History()
	if len(seen) != 0 {
		t.Fatalf("expected empty history, got %d", len(seen))
	}
	turn.Commit(turnFor(s.ID(), 0, "q0"))

	if len(seen) != 0 {
		t.Error("snapshot must not grow after commit")
	}
}

func TestSession_SerializesTurnsWithinConversation(t *testing.T) {
	s := NewManager().Get(uuid.New())

	const turns = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			turn := s.BeginTurn()
			turn.Commit(turnFor(s.ID(), turn.Index(), fmt.Sprintf("q%d", turn.Index())))
		}()
	}
	close(start)
	wg.Wait()

	history := s.History()
	if len(history) != turns {
		t.Fatalf("expected %d turns, got %d", turns, len(history))
	}
	for i, turn := range history {
		if turn.Query.Text != fmt.Sprintf("q%d", i) {
			t.Errorf("turn %d committed out of order: %q", i, turn.Query.Text)
		}
	}
}

func TestManager_EvictIdleDropsStaleSessions(t *testing.T) {
	m := NewManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	stale := uuid.New()
	fresh := uuid.New()
	turn := m.Get(stale).BeginTurn()
	turn.Commit(turnFor(stale, 0, "q0"))

	base = base.Add(2 * time.Hour)
	m.Get(fresh)

	if n := m.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 live session after eviction, got %d", m.Len())
	}
	if len(m.Get(stale).History()) != 0 {
		t.Error("evicted conversation must come back with an empty history")
	}
}

func TestManager_EvictIdleSkipsInFlightTurn(t *testing.T) {
	m := NewManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	id := uuid.New()
	turn := m.Get(id).BeginTurn()

	base = base.Add(2 * time.Hour)
	if n := m.EvictIdle(time.Hour); n != 0 {
		t.Fatalf("expected no evictions with a turn in flight, got %d", n)
	}
	turn.Commit(turnFor(id, 0, "q0"))

	if len(m.Get(id).History()) != 1 {
		t.Error("in-flight conversation must survive eviction")
	}
}

func TestManager_ConversationsAreIsolated(t *testing.T) {
	m := NewManager()

	const sessions = 12
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, sessions)
	for i := 0; i < sessions; i++ {
		ids[i] = uuid.New()
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			s := m.Get(id)
			for j := 0; j < 5; j++ {
				turn := s.BeginTurn()
				turn.Commit(turnFor(id, j, fmt.Sprintf("q%d", j)))
			}
		}(ids[i])
	}
	wg.Wait()

	for _, id := range ids {
		history := m.Get(id).History()
		if len(history) != 5 {
			t.Fatalf("expected 5 turns for %s, got %d", id, len(history))
		}
		for _, turn := range history {
			if turn.Query.ConversationID != id {
				t.Errorf("turn leaked across conversations: %s in %s", turn.Query.ConversationID, id)
			}
		}
	}
}
