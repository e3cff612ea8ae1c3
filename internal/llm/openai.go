// Package llm wraps the OpenAI chat-completions API as the pipeline's
// response generator. The model can request knowledge-base searches through
// a single function tool; issuing those searches is the orchestrator's job.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrUnavailable covers transport, auth and quota failures.
	ErrUnavailable = errors.New("generation service unavailable")
	// ErrTimeout means the model did not answer within the deadline.
	ErrTimeout = errors.New("generation timed out")
)

// ToolSearchKnowledgeBase is the function name the model uses to request a
// retrieval pass.
const ToolSearchKnowledgeBase = "search_knowledge_base"

// Message is one chat turn in the reasoning transcript.
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // set on role "tool" results
	ToolCalls  []ToolCall // set on assistant turns that requested tools
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON as produced by the model
}

// SearchArguments decodes the query argument of a knowledge-base search call.
func (tc ToolCall) SearchArguments() (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return "", fmt.Errorf("parse tool arguments: %w", err)
	}
	return args.Query, nil
}

// Turn is one model response: either a set of tool calls or final text.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
}

type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

func NewClient(apiKey, model string, timeout time.Duration, retries int, logger *slog.Logger) *Client {
	return &Client{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		retries: retries,
		logger:  logger,
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = url
	c.client = openai.NewClientWithConfig(cfg)
}

var searchToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query to run against the knowledge base."
		}
	},
	"required": ["query"]
}`)

func searchTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ToolSearchKnowledgeBase,
			Description: "Search for specific financial data, trust documents, and MSK company policies.",
			Parameters:  searchToolSchema,
		},
	}
}

// Chat sends the transcript to the model and returns its next turn. When
// withTools is set the model may answer with knowledge-base search requests
// instead of text. Each attempt is bounded by the configured timeout; the
// call is retried only as often as the deployment allows (default never).
func (c *Client) Chat(ctx context.Context, system string, msgs []Message, withTools bool) (Turn, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAI(system, msgs),
	}
	if withTools {
		req.Tools = []openai.Tool{searchTool()}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying generation", "attempt", attempt, "error", lastErr)
		}
		turn, err := c.chatOnce(ctx, req)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Turn{}, lastErr
}

func (c *Client) chatOnce(ctx context.Context, req openai.ChatCompletionRequest) (Turn, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Turn{}, fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return Turn{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return Turn{}, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return Turn{ToolCalls: calls}, nil
	}

	return Turn{Text: msg.Content}, nil
}

func toOpenAI(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}
