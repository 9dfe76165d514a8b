// Package excerpt turns retrieved passages into the tagged excerpts that are
// the only evidence the completion model is allowed to use.
package excerpt

import (
	"fmt"
	"strings"

	"github.com/cllghn/csg-docs-llm/internal/domain"
)

// SentinelMarker replaces the excerpt list when nothing clears the threshold.
const SentinelMarker = `<no_relevant_content>No sufficiently relevant content found.</no_relevant_content>`

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;", `<`, "&lt;", `>`, "&gt;")

// Excerpt is a passage that met the similarity threshold.
type Excerpt struct {
	Confidence float64 `json:"confidence"`
	SourceID   string  `json:"source_id,omitempty"`
	Page       string  `json:"page,omitempty"`
	Text       string  `json:"text"`
}

// String renders the excerpt tag. Attributes without a value are omitted.
func (e Excerpt) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `<excerpt confidence="%.2f"`, e.Confidence)
	if e.SourceID != "" {
		fmt.Fprintf(&b, ` source="%s"`, attrEscaper.Replace(e.SourceID))
	}
	if e.Page != "" {
		fmt.Fprintf(&b, ` page="%s"`, attrEscaper.Replace(e.Page))
	}
	b.WriteString(">")
	b.WriteString(e.Text)
	b.WriteString("</excerpt>")
	return b.String()
}

// Set is the result of filtering one retrieval. An empty set stands for the
// sentinel marker.
type Set struct {
	Excerpts []Excerpt `json:"excerpts"`
}

// IsSentinel reports whether no passage met the threshold.
func (s Set) IsSentinel() bool {
	return len(s.Excerpts) == 0
}

// Strings renders the set as it is placed into the prompt: either the tagged
// excerpts in retrieval order or the single sentinel marker.
func (s Set) Strings() []string {
	if s.IsSentinel() {
		return []string{SentinelMarker}
	}
	out := make([]string, len(s.Excerpts))
	for i, e := range s.Excerpts {
		out[i] = e.String()
	}
	return out
}

// Sources lists distinct source ids in first-seen order.
func (s Set) Sources() []string {
	seen := make(map[string]struct{}, len(s.Excerpts))
	var out []string
	for _, e := range s.Excerpts {
		if e.SourceID == "" {
			continue
		}
		if _, ok := seen[e.SourceID]; ok {
			continue
		}
		seen[e.SourceID] = struct{}{}
		out = append(out, e.SourceID)
	}
	return out
}

// Filter keeps passages whose score is at least minSimilarity, preserving the
// retriever's order. minSimilarity is clamped to [0, 1].
func Filter(passages []domain.Passage, minSimilarity float64) Set {
	minSimilarity = clamp(minSimilarity)
	var kept []Excerpt
	for _, p := range passages {
		if p.Score < minSimilarity {
			continue
		}
		kept = append(kept, Excerpt{
			Confidence: p.Score,
			SourceID:   p.SourceID,
			Page:       p.Page,
			Text:       p.Text,
		})
	}
	return Set{Excerpts: kept}
}

func clamp(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
