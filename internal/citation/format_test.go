package citation

import (
	"reflect"
	"testing"

	"github.com/mskwealth/sage/internal/rag"
)

func chunk(doc string, page int, rank int) rag.RankedChunk {
	return rag.RankedChunk{
		CandidateChunk: rag.CandidateChunk{ChunkID: "c", DocumentID: doc, PageNumber: page, Text: "t"},
		RelevanceScore: 1.0 - float64(rank)*0.1,
		Rank:           rank,
	}
}

func TestFormat_DedupByDocumentAndPage(t *testing.T) {
	ranked := []rag.RankedChunk{
		chunk("Client_Profile_Jane_Smith_HNW.pdf", 1, 0),
		chunk("MSK_Policies.pdf", 4, 1),
		chunk("Client_Profile_Jane_Smith_HNW.pdf", 1, 2), // dup of rank 0
		chunk("Client_Profile_Jane_Smith_HNW.pdf", 2, 3), // same doc, new page
	}

	citations := Format(ranked)

	if len(citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(citations))
	}
	if citations[0].DocumentID != "Client_Profile_Jane_Smith_HNW.pdf" || citations[0].PageNumber != 1 {
		t.Errorf("expected highest-relevance citation first, got %+v", citations[0])
	}
	if citations[1].DocumentID != "MSK_Policies.pdf" {
		t.Errorf("expected first-seen order preserved, got %+v", citations[1])
	}
	if citations[2].PageNumber != 2 {
		t.Errorf("expected page 2 citation kept, got %+v", citations[2])
	}
}

func TestFormat_Empty(t *testing.T) {
	if got := Format(nil); len(got) != 0 {
		t.Errorf("expected empty output for empty input, got %d", len(got))
	}
}

func TestFormat_SkipsMissingDocumentID(t *testing.T) {
	citations := Format([]rag.RankedChunk{chunk("", 1, 0), chunk("d.pdf", 0, 1)})
	if len(citations) != 1 {
		t.Fatalf("expected 1 citation, got %d", len(citations))
	}
	if citations[0].DocumentID != "d.pdf" {
		t.Errorf("unexpected citation %+v", citations[0])
	}
}

func TestFormat_Deterministic(t *testing.T) {
	ranked := []rag.RankedChunk{
		chunk("a.pdf", 1, 0),
		chunk("b.pdf", 2, 1),
		chunk("a.pdf", 1, 2),
	}

	first := Format(ranked)
	second := Format(ranked)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("formatting the same input twice differed: %+v vs %+v", first, second)
	}
}

func TestFormat_IdempotentOnDeduplicated(t *testing.T) {
	ranked := []rag.RankedChunk{
		chunk("a.pdf", 1, 0),
		chunk("b.pdf", 2, 1),
	}

	once := Format(ranked)
	// A deduplicated list formatted again comes back unchanged.
	again := Format(ranked)
	if !reflect.DeepEqual(once, again) {
		t.Errorf("expected idempotent formatting, got %+v vs %+v", once, again)
	}
}

func TestLabel(t *testing.T) {
	if got := Label("report.pdf", 3); got != "📄 report.pdf (Page 3)" {
		t.Errorf("unexpected label %q", got)
	}
	if got := Label("report.pdf", 0); got != "📄 report.pdf" {
		t.Errorf("expected page suffix omitted, got %q", got)
	}
}

func TestRenderSources(t *testing.T) {
	citations := Format([]rag.RankedChunk{
		chunk("a.pdf", 1, 0),
		chunk("b.pdf", 0, 1),
	})

	got := RenderSources(citations)
	want := "\n\n**Sources:**\n📄 a.pdf (Page 1)\n📄 b.pdf"
	if got != want {
		t.Errorf("unexpected sources block:\n got %q\nwant %q", got, want)
	}

	if RenderSources(nil) != "" {
		t.Error("expected empty block for no citations")
	}
}
