// Package citation derives source attributions from ranked chunks. Everything
// here is pure: same input, same output, no failure mode.
package citation

import (
	"fmt"
	"strings"

	"github.com/mskwealth/sage/internal/rag"
)

// Format maps ranked chunks to citations, deduplicating by
// (document_id, page_number) while preserving first-seen order, so the
// highest-relevance chunk's citation wins.
func Format(ranked []rag.RankedChunk) []rag.SourceCitation {
	type key struct {
		doc  string
		page int
	}
	seen := make(map[key]bool, len(ranked))
	citations := make([]rag.SourceCitation, 0, len(ranked))
	for _, rc := range ranked {
		k := key{doc: rc.DocumentID, page: rc.PageNumber}
		if rc.DocumentID == "" || seen[k] {
			continue
		}
		seen[k] = true
		citations = append(citations, rag.SourceCitation{
			DocumentID:   rc.DocumentID,
			PageNumber:   rc.PageNumber,
			DisplayLabel: Label(rc.DocumentID, rc.PageNumber),
		})
	}
	return citations
}

// Label renders one citation line. Page 0 means the source had no page
// metadata and the page suffix is omitted.
func Label(documentID string, page int) string {
	if page > 0 {
		return fmt.Sprintf("📄 %s (Page %d)", documentID, page)
	}
	return fmt.Sprintf("📄 %s", documentID)
}

// RenderSources renders the sources block appended to an answer. Empty
// citations render as an empty string.
func RenderSources(citations []rag.SourceCitation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n**Sources:**\n")
	for i, c := range citations {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.DisplayLabel)
	}
	return b.String()
}
