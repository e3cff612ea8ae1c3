// Package pipeline composes retrieval, reranking and generation into one
// query/answer cycle. The reasoning loop is a bounded state machine; every
// chunk the model sees in a turn is recorded in a single set, and citations
// are derived from exactly that set.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mskwealth/sage/internal/audit"
	"github.com/mskwealth/sage/internal/citation"
	"github.com/mskwealth/sage/internal/llm"
	"github.com/mskwealth/sage/internal/rag"
	"github.com/mskwealth/sage/internal/rerank"
	"github.com/mskwealth/sage/internal/session"
)

// ErrPipelineFailed is the terminal error surfaced to the caller. No partial
// answer accompanies it: an answer without verified citations is worse than
// no answer.
var ErrPipelineFailed = errors.New("pipeline failed")

// Retriever is the hybrid search stage.
type Retriever interface {
	Retrieve(ctx context.Context, query rag.Query, k int) ([]rag.CandidateChunk, error)
}

// Reranker is the relevance-filtering stage.
type Reranker interface {
	Rerank(ctx context.Context, query rag.Query, candidates []rag.CandidateChunk, topN int) ([]rag.RankedChunk, error)
}

// Generator is the language-model stage.
type Generator interface {
	Chat(ctx context.Context, system string, msgs []llm.Message, withTools bool) (llm.Turn, error)
}

// TurnStore persists completed turns for the queryable compliance mirror.
type TurnStore interface {
	SaveTurn(ctx context.Context, userID string, turn rag.ConversationTurn) error
}

// Publisher emits turn lifecycle events for UI feedback.
type Publisher interface {
	Publish(subject string, data any) error
}

// Options bound the per-turn work.
type Options struct {
	RetrievalK    int // candidates fetched per retrieval call
	RerankTopN    int // chunks surviving the relevance filter
	MaxIterations int // generator calls per turn before giving up
}

func (o *Options) fill() {
	if o.RetrievalK <= 0 {
		o.RetrievalK = 10
	}
	if o.RerankTopN <= 0 {
		o.RerankTopN = 3
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 4
	}
}

// Orchestrator runs one query end-to-end. All collaborators are injected at
// construction; store and events are optional.
type Orchestrator struct {
	retriever Retriever
	reranker  Reranker
	generator Generator
	sessions  *session.Manager
	audit     *audit.Log
	store     TurnStore
	events    Publisher
	opts      Options
	logger    *slog.Logger
}

func New(r Retriever, rr Reranker, g Generator, sessions *session.Manager, auditLog *audit.Log, opts Options, logger *slog.Logger) *Orchestrator {
	opts.fill()
	return &Orchestrator{
		retriever: r,
		reranker:  rr,
		generator: g,
		sessions:  sessions,
		audit:     auditLog,
		opts:      opts,
		logger:    logger,
	}
}

// SetStore attaches the optional Postgres mirror for completed turns.
func (o *Orchestrator) SetStore(s TurnStore) { o.store = s }

// SetEvents attaches the optional event bus.
func (o *Orchestrator) SetEvents(p Publisher) { o.events = p }

// loop states. One turn walks REASONING → (TOOL_CALL → REASONING)* → TERMINAL.
type loopState int

const (
	stateReasoning loopState = iota
	stateToolCall
	stateTerminal
)

// Answer processes one user query and returns the completed turn. Turns
// within a conversation are strictly serialized; failures leave no history
// or audit entries.
func (o *Orchestrator) Answer(ctx context.Context, userID string, conversationID uuid.UUID, text string) (rag.ConversationTurn, error) {
	sess := o.sessions.Get(conversationID)
	turn := sess.BeginTurn()
	defer turn.Abort() // no-op once committed

	query := rag.Query{Text: text, ConversationID: conversationID, TurnIndex: turn.Index()}

	o.logger.Info("turn started",
		"conversation_id", conversationID,
		"turn_index", query.TurnIndex,
		"query_len", len(text),
	)

	answer, err := o.run(ctx, query, turn.History())
	if err != nil {
		return rag.ConversationTurn{}, err
	}
	if ctx.Err() != nil {
		return rag.ConversationTurn{}, fmt.Errorf("%w: %s", ErrPipelineFailed, ctx.Err())
	}

	completed := rag.ConversationTurn{
		Query:     query,
		Answer:    answer,
		Timestamp: time.Now().UTC(),
	}

	// The audit record is part of the turn's contract: if it cannot be
	// written the turn does not complete.
	if err := o.audit.RecordTurn(userID, completed); err != nil {
		return rag.ConversationTurn{}, fmt.Errorf("%w: audit: %s", ErrPipelineFailed, err)
	}

	turn.Commit(completed)

	if o.store != nil {
		if err := o.store.SaveTurn(ctx, userID, completed); err != nil {
			o.logger.Error("failed to persist turn", "error", err)
		}
	}
	if o.events != nil {
		if err := o.events.Publish("sage.turn.completed", map[string]any{
			"conversation_id": conversationID.String(),
			"turn_index":      query.TurnIndex,
			"citations":       len(answer.Citations),
		}); err != nil {
			o.logger.Warn("failed to publish turn event", "error", err)
		}
	}

	o.logger.Info("turn completed",
		"conversation_id", conversationID,
		"turn_index", query.TurnIndex,
		"citations", len(answer.Citations),
	)
	return completed, nil
}

// run executes the bounded reasoning loop and returns the attributed answer.
func (o *Orchestrator) run(ctx context.Context, query rag.Query, history []rag.ConversationTurn) (rag.GeneratedAnswer, error) {
	// One retrieval up front, shared by the generation context and the
	// citation set. Additional tool-call retrievals extend the same set.
	ranked, err := o.search(ctx, query, query.Text)
	if err != nil {
		return rag.GeneratedAnswer{}, err
	}

	seen := make(map[string]bool, len(ranked))
	contextSet := make([]rag.RankedChunk, 0, len(ranked))
	record := func(chunks []rag.RankedChunk) {
		for _, rc := range chunks {
			if seen[rc.ChunkID] {
				continue
			}
			seen[rc.ChunkID] = true
			contextSet = append(contextSet, rc)
		}
	}
	record(ranked)

	msgs := historyMessages(history)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleUser,
		Content: renderUserTurn(query.Text, ranked),
	})

	state := stateReasoning
	var final string
	for iter := 0; iter < o.opts.MaxIterations && state != stateTerminal; iter++ {
		resp, err := o.generator.Chat(ctx, systemPrompt, msgs, true)
		if err != nil {
			return rag.GeneratedAnswer{}, fmt.Errorf("%w: generation: %s", ErrPipelineFailed, err)
		}

		if len(resp.ToolCalls) == 0 {
			state = stateTerminal
			final = resp.Text
			break
		}

		state = stateToolCall
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			result, chunks, err := o.runTool(ctx, query, tc)
			if err != nil {
				return rag.GeneratedAnswer{}, err
			}
			record(chunks)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
		state = stateReasoning
	}

	if state != stateTerminal {
		return rag.GeneratedAnswer{}, fmt.Errorf("%w: reasoning loop exceeded %d iterations", ErrPipelineFailed, o.opts.MaxIterations)
	}

	citations := citation.Format(contextSet)
	return rag.GeneratedAnswer{
		Text:      final + citation.RenderSources(citations),
		Citations: citations,
	}, nil
}

// runTool executes one knowledge-base search requested by the model and
// returns the tool result text plus the chunks that entered the context.
func (o *Orchestrator) runTool(ctx context.Context, query rag.Query, tc llm.ToolCall) (string, []rag.RankedChunk, error) {
	if tc.Name != llm.ToolSearchKnowledgeBase {
		o.logger.Warn("model requested unknown tool", "tool", tc.Name)
		return fmt.Sprintf("Unknown tool %q.", tc.Name), nil, nil
	}

	searchText, err := tc.SearchArguments()
	if err != nil || searchText == "" {
		o.logger.Warn("unparseable tool arguments", "error", err)
		return "Invalid search arguments; provide a JSON object with a query string.", nil, nil
	}

	ranked, err := o.search(ctx, query, searchText)
	if err != nil {
		return "", nil, err
	}
	if len(ranked) == 0 {
		return "No matching passages found.", nil, nil
	}
	return renderPassages(ranked), ranked, nil
}

// search runs one retrieve+rerank pair. A rerank failure degrades to the
// unranked top-N; a retrieval failure fails the turn.
func (o *Orchestrator) search(ctx context.Context, query rag.Query, text string) ([]rag.RankedChunk, error) {
	searchQuery := query
	searchQuery.Text = text

	candidates, err := o.retriever.Retrieve(ctx, searchQuery, o.opts.RetrievalK)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieval: %s", ErrPipelineFailed, err)
	}

	ranked, err := o.reranker.Rerank(ctx, searchQuery, candidates, o.opts.RerankTopN)
	if err != nil {
		o.logger.Warn("rerank unavailable, falling back to retrieval order", "error", err)
		ranked = rerank.Fallback(candidates, o.opts.RerankTopN)
	}
	return ranked, nil
}

func historyMessages(history []rag.ConversationTurn) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)*2)
	for _, turn := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: turn.Query.Text},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Answer.Text},
		)
	}
	return msgs
}

func renderUserTurn(query string, ranked []rag.RankedChunk) string {
	var b strings.Builder
	b.WriteString("## Knowledge base passages\n")
	if len(ranked) == 0 {
		b.WriteString(noPassagesNotice)
		b.WriteString("\n")
	} else {
		b.WriteString(renderPassages(ranked))
	}
	b.WriteString("\n## Question\n")
	b.WriteString(query)
	return b.String()
}

func renderPassages(ranked []rag.RankedChunk) string {
	var b strings.Builder
	for i, rc := range ranked {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s", rc.DocumentID)
		if rc.PageNumber > 0 {
			fmt.Fprintf(&b, ", page %d", rc.PageNumber)
		}
		b.WriteString("]\n")
		b.WriteString(rc.ContextText())
		b.WriteString("\n")
	}
	return b.String()
}
