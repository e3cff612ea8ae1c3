// Package store is the queryable Postgres mirror of the compliance archive:
// completed conversation turns and sync-job lifecycles. The NDJSON audit log
// remains the canonical append-only record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mskwealth/sage/internal/rag"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// SaveTurn persists one completed turn.
// Table: conversation_turns (id, conversation_id, turn_index, user_id,
// query_text, answer_text, citations jsonb, created_at).
func (s *Store) SaveTurn(ctx context.Context, userID string, turn rag.ConversationTurn) error {
	citations, err := json.Marshal(turn.Answer.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (id, conversation_id, turn_index, user_id, query_text, answer_text, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), turn.Query.ConversationID, turn.Query.TurnIndex, userID,
		turn.Query.Text, turn.Answer.Text, citations, turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// ListTurns returns up to limit turns for a conversation, oldest first.
func (s *Store) ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]rag.ConversationTurn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_index, query_text, answer_text, citations, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY turn_index ASC
		LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []rag.ConversationTurn
	for rows.Next() {
		var (
			turn      rag.ConversationTurn
			citations []byte
			createdAt time.Time
		)
		if err := rows.Scan(&turn.Query.TurnIndex, &turn.Query.Text, &turn.Answer.Text, &citations, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal(citations, &turn.Answer.Citations); err != nil {
			return nil, fmt.Errorf("unmarshal citations: %w", err)
		}
		turn.Query.ConversationID = conversationID
		turn.Timestamp = createdAt
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return turns, nil
}

// UpsertSyncJob records the manager's current view of an ingestion job.
// Table: sync_jobs (job_id, data_source_id, status, error_text, started_at,
// last_polled_at).
func (s *Store) UpsertSyncJob(ctx context.Context, job rag.SyncJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_jobs (job_id, data_source_id, status, error_text, started_at, last_polled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_text = EXCLUDED.error_text,
		    last_polled_at = EXCLUDED.last_polled_at`,
		job.JobID, job.DataSourceID, string(job.Status), job.Error, job.StartedAt, job.LastPolledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sync job: %w", err)
	}
	return nil
}
