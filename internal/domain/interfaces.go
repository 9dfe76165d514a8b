package domain

import "context"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message exchanged with the completion model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Passage is a text chunk returned by a retriever with its similarity score.
// SourceID and Page are empty when the backend carries no such metadata.
type Passage struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id,omitempty"`
	Page     string  `json:"page,omitempty"`
}

// Document represents a single text file loaded into the system.
type Document struct {
	ID      string
	Path    string
	Content string
}

// Chunk is a semantically meaningful part of a document used for indexing.
type Chunk struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	SourceID   string `json:"source_id,omitempty"`
	Page       string `json:"page,omitempty"`
	Text       string `json:"text"`
	Index      int    `json:"index"`
}

// SearchResult represents a matching chunk with a relevance score.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Passage converts the result into the retriever-facing representation.
func (r SearchResult) Passage() Passage {
	return Passage{
		Text:     r.Chunk.Text,
		Score:    r.Score,
		SourceID: r.Chunk.SourceID,
		Page:     r.Chunk.Page,
	}
}

// Retriever returns the passages most similar to a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// Embedder converts free text into a numeric vector representation.
// Implementations may require a preparation phase over the corpus.
type Embedder interface {
	Name() string
	Prepare(corpus []string) error
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// VectorStore persists vectors and supports similarity search.
type VectorStore interface {
	Init(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float64) error
	Search(ctx context.Context, vector []float64, topK int) ([]SearchResult, error)
	Clear(ctx context.Context) error
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}
