// Package retrieval calls the external hybrid search service that fronts the
// knowledge base. It is a read-only stage: no state survives a call.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

var (
	// ErrUnavailable means the search service was unreachable or returned a
	// transport or auth error.
	ErrUnavailable = errors.New("retrieval service unavailable")
	// ErrTimeout means no response arrived within the configured deadline.
	ErrTimeout = errors.New("retrieval timed out")
)

const defaultBackoff = 500 * time.Millisecond

type Client struct {
	baseURL string
	apiKey  string
	mode    string
	client  *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey, mode string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		mode:    mode,
		client:  &http.Client{Timeout: timeout},
		backoff: defaultBackoff,
		logger:  logger,
	}
}

// SetTestTransport points the client at a test server and removes the retry
// backoff so failure tests run fast.
func (c *Client) SetTestTransport(url string) {
	c.baseURL = url
	c.backoff = 0
}

type request struct {
	Query      string `json:"query"`
	K          int    `json:"k"`
	SearchMode string `json:"search_mode"`
}

type response struct {
	Results []struct {
		ChunkID       string  `json:"chunk_id"`
		DocumentID    string  `json:"document_id"`
		PageNumber    int     `json:"page_number"`
		Text          string  `json:"text"`
		ParentContext string  `json:"parent_context"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

// Retrieve returns up to k candidate chunks for the query, in retrieval-rank
// order. A failed call is retried once with backoff before surfacing
// ErrUnavailable or ErrTimeout.
func (c *Client) Retrieve(ctx context.Context, query rag.Query, k int) ([]rag.CandidateChunk, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying retrieval", "error", lastErr)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", classify(ctx.Err()), ctx.Err())
			}
		}
		chunks, err := c.retrieveOnce(ctx, query, k)
		if err == nil {
			return chunks, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) retrieveOnce(ctx context.Context, query rag.Query, k int) ([]rag.CandidateChunk, error) {
	body, err := json.Marshal(request{Query: query.Text, K: k, SearchMode: c.mode})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", classify(err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, respBody)
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %s", ErrUnavailable, err)
	}

	if len(apiResp.Results) > k {
		apiResp.Results = apiResp.Results[:k]
	}

	chunks := make([]rag.CandidateChunk, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		chunks = append(chunks, rag.CandidateChunk{
			ChunkID:        r.ChunkID,
			DocumentID:     r.DocumentID,
			PageNumber:     r.PageNumber,
			Text:           r.Text,
			ParentContext:  r.ParentContext,
			RetrievalScore: r.Score,
		})
	}
	return chunks, nil
}

// classify maps a transport error onto the stage's error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return ErrUnavailable
}
