package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/chunker"
	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/ingest"
	"github.com/cllghn/csg-docs-llm/internal/retriever/pgvector"
	"github.com/cllghn/csg-docs-llm/internal/summarizer"
	"github.com/cllghn/csg-docs-llm/internal/vectorstore/qdrant"
)

// NewIngest builds the ingest service and the sink for one document set.
// The returned cleanup func must be called once the run is over.
func NewIngest(ctx context.Context, cfg *config.AppConfig, set config.DocumentSetConfig, logger *zap.Logger) (*ingest.Service, ingest.Sink, func(), error) {
	var ch domain.Chunker
	switch cfg.Chunker.Type {
	case "sentence", "":
		ch = chunker.NewSentenceChunker(cfg.Chunker.SentencesPerChunk, cfg.Chunker.OverlapSentences)
	default:
		return nil, nil, nil, fmt.Errorf("unknown chunker: %s", cfg.Chunker.Type)
	}

	var sum domain.Summarizer
	switch cfg.Summarizer.Type {
	case "frequency", "":
		sum = summarizer.NewFrequencySummarizer()
	default:
		return nil, nil, nil, fmt.Errorf("unknown summarizer: %s", cfg.Summarizer.Type)
	}

	var (
		emb     domain.Embedder
		sink    ingest.Sink
		cleanup = func() {}
		err     error
	)
	switch set.Backend {
	case "local":
		if emb, err = NewEmbedder(cfg.Embedder); err != nil {
			return nil, nil, nil, err
		}
		sink = ingest.FileSink{Path: set.Local.Path}
	case "qdrant":
		if emb, err = remoteEmbedder(cfg.Embedder, set.Backend); err != nil {
			return nil, nil, nil, err
		}
		sink = ingest.StoreSink{Store: qdrant.NewStorage(QdrantConfig(set.Qdrant))}
	case "pgvector":
		if emb, err = remoteEmbedder(cfg.Embedder, set.Backend); err != nil {
			return nil, nil, nil, err
		}
		dsn := os.Getenv(set.PGVector.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("missing postgres DSN in env %s", set.PGVector.DSNEnv)
		}
		pool, err := pgvector.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		sink = ingest.StoreSink{Store: pgvector.NewStore(pool, set.PGVector.Table)}
		cleanup = pool.Close
	default:
		return nil, nil, nil, fmt.Errorf("document set %q uses backend %s, which is managed outside this tool", set.Name, set.Backend)
	}

	svc := ingest.NewService(ch, emb, sum, cfg.Summarizer.MaxSentences, logger)
	return svc, sink, cleanup, nil
}
