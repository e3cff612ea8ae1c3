// Package audit writes the compliance record: one newline-delimited JSON
// entry per completed turn. Entries are appended only after a turn fully
// completes, so a cancelled pipeline never leaves a partial record.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

// Record is one audit line.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	TurnIndex      int       `json:"turn_index"`
	Query          string    `json:"query"`
	ResponseLength int       `json:"response_length"`
	CitedDocuments []string  `json:"cited_documents"`
}

// Log appends records to a single writer. Safe for concurrent use.
type Log struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// New writes to an arbitrary writer, for tests and custom sinks.
func New(w io.Writer) *Log {
	return &Log{w: w}
}

// Open appends to the audit file at path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{w: f, c: f}, nil
}

// RecordTurn appends the audit entry for one completed turn.
func (l *Log) RecordTurn(userID string, turn rag.ConversationTurn) error {
	docs := make([]string, 0, len(turn.Answer.Citations))
	for _, c := range turn.Answer.Citations {
		docs = append(docs, c.DocumentID)
	}
	return l.Append(Record{
		Timestamp:      turn.Timestamp,
		UserID:         userID,
		ConversationID: turn.Query.ConversationID.String(),
		TurnIndex:      turn.Query.TurnIndex,
		Query:          turn.Query.Text,
		ResponseLength: len(turn.Answer.Text),
		CitedDocuments: docs,
	})
}

// Append writes one record as a single JSON line.
func (l *Log) Append(r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}
