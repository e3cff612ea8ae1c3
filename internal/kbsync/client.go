// Package kbsync manages asynchronous knowledge-base re-indexing jobs:
// starting them against the external ingestion service, polling their status,
// and normalizing the lifecycle for callers.
package kbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

// Client calls the external ingestion-job service.
type Client struct {
	baseURL         string
	apiKey          string
	knowledgeBaseID string
	client          *http.Client
}

func NewClient(baseURL, apiKey, knowledgeBaseID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:         baseURL,
		apiKey:          apiKey,
		knowledgeBaseID: knowledgeBaseID,
		client:          &http.Client{Timeout: timeout},
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	c.baseURL = url
}

type startRequest struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	DataSourceID    string `json:"data_source_id"`
}

type jobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// StartIngestion asks the service to begin re-indexing a data source.
func (c *Client) StartIngestion(ctx context.Context, dataSourceID string) (string, rag.SyncStatus, error) {
	body, err := json.Marshal(startRequest{KnowledgeBaseID: c.knowledgeBaseID, DataSourceID: dataSourceID})
	if err != nil {
		return "", "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingestion-jobs", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.do(req)
	if err != nil {
		return "", "", fmt.Errorf("start ingestion: %w", err)
	}

	status, err := parseStatus(resp.Status)
	if err != nil {
		return "", "", err
	}
	return resp.JobID, status, nil
}

// GetIngestion returns the service's view of a job, with the failure reason
// when it has one.
func (c *Client) GetIngestion(ctx context.Context, jobID string) (rag.SyncStatus, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ingestion-jobs/"+jobID, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.do(req)
	if err != nil {
		return "", "", fmt.Errorf("get ingestion %s: %w", jobID, err)
	}

	status, err := parseStatus(resp.Status)
	if err != nil {
		return "", "", err
	}
	return status, resp.FailureReason, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(req *http.Request) (*jobResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, respBody)
	}

	var jr jobResponse
	if err := json.Unmarshal(respBody, &jr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &jr, nil
}

// parseStatus normalizes remote status strings. STOPPED is a terminal
// non-success and maps to FAILED.
func parseStatus(s string) (rag.SyncStatus, error) {
	switch s {
	case "STARTING":
		return rag.SyncStarting, nil
	case "IN_PROGRESS":
		return rag.SyncInProgress, nil
	case "COMPLETE":
		return rag.SyncComplete, nil
	case "FAILED", "STOPPED":
		return rag.SyncFailed, nil
	}
	return "", fmt.Errorf("unknown ingestion status %q", s)
}
