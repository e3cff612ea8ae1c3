// Package rerank calls the cross-encoder relevance service. The endpoint is
// deployed independently of the retrieval service so that reranking acts as a
// second, decorrelated filtering pass. The stage can be disabled entirely by
// substituting Passthrough.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

// ErrUnavailable means the relevance service failed or timed out. Callers
// are expected to fall back to the unranked candidate order.
var ErrUnavailable = errors.New("rerank service unavailable")

const defaultBackoff = 500 * time.Millisecond

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	backoff time.Duration
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
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
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
	Model     string   `json:"model"`
}

type response struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores candidates against the query and returns the
// min(topN, len(candidates)) most relevant, rank 0 first. Empty input yields
// empty output without touching the service. A failed call is retried once
// with backoff before surfacing ErrUnavailable.
func (c *Client) Rerank(ctx context.Context, query rag.Query, candidates []rag.CandidateChunk, topN int) ([]rag.RankedChunk, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying rerank", "error", lastErr)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", ErrUnavailable, ctx.Err())
			}
		}
		ranked, err := c.rerankOnce(ctx, query, candidates, topN)
		if err == nil {
			return ranked, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) rerankOnce(ctx context.Context, query rag.Query, candidates []rag.CandidateChunk, topN int) ([]rag.RankedChunk, error) {
	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		docs[i] = cand.Text
	}

	body, err := json.Marshal(request{Query: query.Text, Documents: docs, TopN: topN, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
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

	// The service returns indices into the submitted document list, ordered
	// by relevance. Sort defensively so rank order always matches score order.
	sort.SliceStable(apiResp.Results, func(i, j int) bool {
		return apiResp.Results[i].RelevanceScore > apiResp.Results[j].RelevanceScore
	})

	limit := min(topN, len(candidates))
	ranked := make([]rag.RankedChunk, 0, limit)
	for _, r := range apiResp.Results {
		if len(ranked) == limit {
			break
		}
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, fmt.Errorf("%w: result index %d out of range", ErrUnavailable, r.Index)
		}
		ranked = append(ranked, rag.RankedChunk{
			CandidateChunk: candidates[r.Index],
			RelevanceScore: r.RelevanceScore,
			Rank:           len(ranked),
		})
	}
	if len(ranked) < limit {
		return nil, fmt.Errorf("%w: expected %d results, got %d", ErrUnavailable, limit, len(ranked))
	}
	return ranked, nil
}

// Passthrough is the disabled-rerank mode: the first topN candidates pass
// through in retrieval order. The pipeline keeps its shape either way.
type Passthrough struct{}

func (Passthrough) Rerank(_ context.Context, _ rag.Query, candidates []rag.CandidateChunk, topN int) ([]rag.RankedChunk, error) {
	return Fallback(candidates, topN), nil
}

// Fallback converts the first topN candidates into ranked chunks without
// reranking. Used by Passthrough and by the pipeline's degraded path when
// the relevance service is down.
func Fallback(candidates []rag.CandidateChunk, topN int) []rag.RankedChunk {
	limit := min(topN, len(candidates))
	ranked := make([]rag.RankedChunk, 0, limit)
	for i := 0; i < limit; i++ {
		ranked = append(ranked, rag.RankedChunk{
			CandidateChunk: candidates[i],
			RelevanceScore: candidates[i].RetrievalScore,
			Rank:           i,
		})
	}
	return ranked
}
