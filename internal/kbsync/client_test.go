package kbsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

func TestStartIngestion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/ingestion-jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sync-key" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.KnowledgeBaseID != "kb-1" || req.DataSourceID != "ds-1" {
			t.Errorf("unexpected request body %+v", req)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(jobResponse{JobID: "job-42", Status: "STARTING"})
	}))
	defer server.Close()

	c := NewClient("", "sync-key", "kb-1", time.Second)
	c.SetTestTransport(server.URL)

	jobID, status, err := c.StartIngestion(context.Background(), "ds-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobID != "job-42" {
		t.Errorf("unexpected job id %q", jobID)
	}
	if status != rag.SyncStarting {
		t.Errorf("unexpected status %s", status)
	}
}

func TestStartIngestion_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient("", "", "kb-1", time.Second)
	c.SetTestTransport(server.URL)

	if _, _, err := c.StartIngestion(context.Background(), "ds-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetIngestion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/ingestion-jobs/job-42" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(jobResponse{JobID: "job-42", Status: "FAILED", FailureReason: "bucket gone"})
	}))
	defer server.Close()

	c := NewClient("", "", "kb-1", time.Second)
	c.SetTestTransport(server.URL)

	status, reason, err := c.GetIngestion(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != rag.SyncFailed {
		t.Errorf("unexpected status %s", status)
	}
	if reason != "bucket gone" {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]rag.SyncStatus{
		"STARTING":    rag.SyncStarting,
		"IN_PROGRESS": rag.SyncInProgress,
		"COMPLETE":    rag.SyncComplete,
		"FAILED":      rag.SyncFailed,
		"STOPPED":     rag.SyncFailed,
	}
	for remote, want := range cases {
		got, err := parseStatus(remote)
		if err != nil {
			t.Errorf("%s: unexpected error %v", remote, err)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", remote, want, got)
		}
	}

	if _, err := parseStatus("EXPLODED"); err == nil {
		t.Error("expected error for unknown status")
	}
}
