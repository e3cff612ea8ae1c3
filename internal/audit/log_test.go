package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mskwealth/sage/internal/rag"
)

func sampleTurn(convID uuid.UUID) rag.ConversationTurn {
	return rag.ConversationTurn{
		Query: rag.Query{Text: "What is Jane Smith's EPR score?", ConversationID: convID, TurnIndex: 2},
		Answer: rag.GeneratedAnswer{
			Text: "The EPR score is 82.",
			Citations: []rag.SourceCitation{
				{DocumentID: "Client_Profile_Jane_Smith_HNW.pdf", PageNumber: 1},
				{DocumentID: "MSK_Policies.pdf", PageNumber: 4},
			},
		},
		Timestamp: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestRecordTurn_WritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)
	convID := uuid.New()

	if err := log.RecordTurn("advisor-17", sampleTurn(convID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("expected newline-terminated record")
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected a single line, got %q", line)
	}

	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec.UserID != "advisor-17" {
		t.Errorf("unexpected user id %q", rec.UserID)
	}
	if rec.Query != "What is Jane Smith's EPR score?" {
		t.Errorf("unexpected query %q", rec.Query)
	}
	if rec.ResponseLength != len("The EPR score is 82.") {
		t.Errorf("unexpected response length %d", rec.ResponseLength)
	}
	if rec.TurnIndex != 2 {
		t.Errorf("unexpected turn index %d", rec.TurnIndex)
	}
	if len(rec.CitedDocuments) != 2 || rec.CitedDocuments[0] != "Client_Profile_Jane_Smith_HNW.pdf" {
		t.Errorf("unexpected cited documents %v", rec.CitedDocuments)
	}
}

func TestAppend_ConcurrentWritesStayLineDelimited(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)
	convID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := log.RecordTurn("advisor", sampleTurn(convID)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		lines++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
	}
	if lines != 25 {
		t.Errorf("expected 25 lines, got %d", lines)
	}
}

func TestOpen_AppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	convID := uuid.New()

	for i := 0; i < 2; i++ {
		log, err := Open(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := log.RecordTurn("advisor", sampleTurn(convID)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := log.Close(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("expected 2 records after reopen, got %d", got)
	}
}
