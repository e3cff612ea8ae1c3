// Package rag holds the data model shared by the retrieval, rerank and
// generation stages of the query pipeline.
package rag

import (
	"time"

	"github.com/google/uuid"
)

// Query is one user question inside a conversation. Immutable once issued.
type Query struct {
	Text           string    `json:"text"`
	ConversationID uuid.UUID `json:"conversation_id"`
	TurnIndex      int       `json:"turn_index"`
}

// CandidateChunk is one retrieval hit from the knowledge base, ordered by
// retrieval rank. Scores are not comparable across separate retrieval calls.
type CandidateChunk struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	PageNumber     int     `json:"page_number,omitempty"` // 0 = unknown
	Text           string  `json:"text"`
	ParentContext  string  `json:"parent_context,omitempty"`
	RetrievalScore float64 `json:"retrieval_score"`
}

// RankedChunk is a candidate that survived the relevance filter. Rank is
// 0-based; RelevanceScore is non-increasing by rank within one rerank call.
type RankedChunk struct {
	CandidateChunk
	RelevanceScore float64 `json:"relevance_score"`
	Rank           int     `json:"rank"`
}

// ContextText returns the text that should be bound into the generation
// context: the parent span when the retriever supplied one, else the chunk.
func (c CandidateChunk) ContextText() string {
	if c.ParentContext != "" {
		return c.ParentContext
	}
	return c.Text
}

// SourceCitation points a generated answer back at one source document page.
type SourceCitation struct {
	DocumentID   string `json:"document_id"`
	PageNumber   int    `json:"page_number,omitempty"`
	DisplayLabel string `json:"display_label"`
}

// GeneratedAnswer is the final externally visible artifact of one turn.
// Every citation corresponds to a chunk that was in the generation context.
type GeneratedAnswer struct {
	Text      string           `json:"text"`
	Citations []SourceCitation `json:"citations"`
}

// ConversationTurn is one completed query/answer pair. Turns are append-only
// and ordered by Query.TurnIndex within a conversation.
type ConversationTurn struct {
	Query     Query           `json:"query"`
	Answer    GeneratedAnswer `json:"answer"`
	Timestamp time.Time       `json:"timestamp"`
}

// SyncStatus is the normalized lifecycle of a knowledge-base ingestion job.
type SyncStatus string

const (
	SyncStarting   SyncStatus = "STARTING"
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncComplete   SyncStatus = "COMPLETE"
	SyncFailed     SyncStatus = "FAILED"
)

// Terminal reports whether a job in this status can never change again.
func (s SyncStatus) Terminal() bool {
	return s == SyncComplete || s == SyncFailed
}

// rank maps each status to its position in the lifecycle so that observed
// transitions can be checked for monotonicity. COMPLETE and FAILED share the
// terminal rank.
func (s SyncStatus) rank() int {
	switch s {
	case SyncStarting:
		return 0
	case SyncInProgress:
		return 1
	case SyncComplete, SyncFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Repeating the current status is legal; regressing is not, and a
// terminal status never changes.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	if s.Terminal() {
		return s == next
	}
	return next.rank() >= s.rank()
}

// SyncJob is the manager's view of one ingestion job. Mutated only by the
// sync manager; transitions are monotonic.
type SyncJob struct {
	JobID        string     `json:"job_id"`
	DataSourceID string     `json:"data_source_id"`
	Status       SyncStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	LastPolledAt time.Time  `json:"last_polled_at"`
	Error        string     `json:"error,omitempty"`
}
