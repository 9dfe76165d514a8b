package tui

import (
	"strings"

	"github.com/cllghn/csg-docs-llm/internal/textutil"
)

// highlightBestSentence marks the sentence sharing the most terms with query.
func highlightBestSentence(text, query string) string {
	sentences := textutil.Sentences(text)
	if len(sentences) == 0 {
		return text
	}
	qTerms := make(map[string]struct{})
	for _, t := range textutil.Terms(query) {
		qTerms[t] = struct{}{}
	}
	if len(qTerms) == 0 {
		return strings.Join(sentences, " ")
	}

	bestIdx, bestScore := 0, 0
	for i, s := range sentences {
		if score := overlap(qTerms, s); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestScore == 0 {
		return strings.Join(sentences, " ")
	}
	out := make([]string, len(sentences))
	copy(out, sentences)
	out[bestIdx] = highlightStyle.Render(out[bestIdx])
	return strings.Join(out, " ")
}

func overlap(query map[string]struct{}, sentence string) int {
	score := 0
	seen := make(map[string]struct{})
	for _, t := range textutil.Terms(sentence) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := query[t]; ok {
			score++
		}
	}
	return score
}
