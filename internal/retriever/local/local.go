package local

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/vectorstore/memory"
)

// Open loads an index file into an in-memory store. The embedder must be the
// kind that built the index; it is refit on the stored chunks before use.
func Open(ctx context.Context, path string, embedder domain.Embedder) (*retriever.VectorRetriever, error) {
	idx, err := memory.ReadIndex(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("index file %s not found; run the ingest command first", path)
	}
	if err != nil {
		return nil, err
	}
	if idx.Embedder != embedder.Name() {
		return nil, fmt.Errorf("index %s was built with the %q embedder, configured embedder is %q", path, idx.Embedder, embedder.Name())
	}
	if len(idx.Chunks) == 0 {
		return nil, fmt.Errorf("index %s has no chunks", path)
	}

	texts := make([]string, len(idx.Chunks))
	for i, ch := range idx.Chunks {
		texts[i] = ch.Text
	}
	if err := embedder.Prepare(texts); err != nil {
		return nil, fmt.Errorf("prepare embedder: %w", err)
	}

	vectors := idx.Vectors
	if len(vectors) == 0 {
		vectors = make([][]float64, len(texts))
		for i, text := range texts {
			if vectors[i], err = embedder.Embed(ctx, text); err != nil {
				return nil, fmt.Errorf("embed chunk %s: %w", idx.Chunks[i].ChunkID, err)
			}
		}
	}
	dim := idx.Dimension
	if dim == 0 {
		dim = len(vectors[0])
	}

	store := memory.NewStorage()
	if err := store.Init(ctx, dim); err != nil {
		return nil, err
	}
	if err := store.Upsert(ctx, idx.Chunks, vectors); err != nil {
		return nil, err
	}
	return retriever.NewVectorRetriever(embedder, store), nil
}
