package retriever

import (
	"context"
	"fmt"

	"github.com/cllghn/csg-docs-llm/internal/domain"
)

// LexicalSearcher is implemented by stores that can rank chunks without vectors.
type LexicalSearcher interface {
	LexicalSearch(ctx context.Context, query string, topK int) ([]domain.SearchResult, error)
}

// VectorRetriever embeds the query and searches a vector store. When the
// query vector or every result score is zero and the store supports it,
// results come from lexical overlap instead.
type VectorRetriever struct {
	embedder domain.Embedder
	store    domain.VectorStore
}

func NewVectorRetriever(embedder domain.Embedder, store domain.VectorStore) *VectorRetriever {
	return &VectorRetriever{embedder: embedder, store: store}
}

func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	lex, canFallback := r.store.(LexicalSearcher)
	if canFallback && isZero(vec) {
		return r.lexical(ctx, lex, query, topK)
	}
	res, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if canFallback && allZeroScores(res) {
		return r.lexical(ctx, lex, query, topK)
	}
	return toPassages(res), nil
}

func (r *VectorRetriever) lexical(ctx context.Context, lex LexicalSearcher, query string, topK int) ([]domain.Passage, error) {
	res, err := lex.LexicalSearch(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return toPassages(res), nil
}

func toPassages(res []domain.SearchResult) []domain.Passage {
	out := make([]domain.Passage, len(res))
	for i, r := range res {
		out[i] = r.Passage()
	}
	return out
}

func isZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func allZeroScores(res []domain.SearchResult) bool {
	for _, r := range res {
		if r.Score > 1e-9 {
			return false
		}
	}
	return true
}
