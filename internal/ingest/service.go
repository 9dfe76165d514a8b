package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/vectorstore/memory"
)

// ErrNoDocuments is returned when no input path resolves to a text file.
var ErrNoDocuments = errors.New("no .txt or .md documents found")

// Sink receives the embedded chunks of one ingest run.
type Sink interface {
	Write(ctx context.Context, embedder domain.Embedder, chunks []domain.Chunk, vectors [][]float64) error
}

// Report summarizes one ingest run.
type Report struct {
	Documents int
	Chunks    int
	Digest    string
}

// Service loads text files, chunks and embeds them, and hands the result to a Sink.
type Service struct {
	chunker             domain.Chunker
	embedder            domain.Embedder
	summarizer          domain.Summarizer
	summaryMaxSentences int
	logger              *zap.Logger
}

func NewService(chunker domain.Chunker, embedder domain.Embedder, summarizer domain.Summarizer, summaryMaxSentences int, logger *zap.Logger) *Service {
	return &Service{
		chunker:             chunker,
		embedder:            embedder,
		summarizer:          summarizer,
		summaryMaxSentences: summaryMaxSentences,
		logger:              logger,
	}
}

// Ingest expands globs and directories in paths and indexes every .txt and .md file.
func (s *Service) Ingest(ctx context.Context, paths []string, sink Sink) (*Report, error) {
	documents, err := loadDocuments(paths)
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		return nil, ErrNoDocuments
	}

	var chunks []domain.Chunk
	var texts []string
	var corpus strings.Builder
	for _, d := range documents {
		cs, err := s.chunker.Chunk(d)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", d.Path, err)
		}
		for _, ch := range cs {
			chunks = append(chunks, ch)
			texts = append(texts, ch.Text)
		}
		corpus.WriteString("\n")
		corpus.WriteString(d.Content)
		s.logger.Debug("chunked document", zap.String("path", d.Path), zap.Int("chunks", len(cs)))
	}
	if len(chunks) == 0 {
		return nil, ErrNoDocuments
	}

	if err := s.embedder.Prepare(texts); err != nil {
		return nil, fmt.Errorf("prepare embedder: %w", err)
	}
	vectors := make([][]float64, len(chunks))
	for i := range chunks {
		if vectors[i], err = s.embedder.Embed(ctx, chunks[i].Text); err != nil {
			return nil, fmt.Errorf("embed chunk %s: %w", chunks[i].ChunkID, err)
		}
	}
	if err := sink.Write(ctx, s.embedder, chunks, vectors); err != nil {
		return nil, err
	}

	digest, err := s.summarizer.Summarize(corpus.String(), s.summaryMaxSentences)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	s.logger.Info("ingest complete",
		zap.Int("documents", len(documents)),
		zap.Int("chunks", len(chunks)),
		zap.String("embedder", s.embedder.Name()),
	)
	return &Report{Documents: len(documents), Chunks: len(chunks), Digest: digest}, nil
}

func loadDocuments(paths []string) ([]domain.Document, error) {
	seen := map[string]struct{}{}
	var documents []domain.Document
	add := func(p string) error {
		if !supported(p) {
			return nil
		}
		if _, ok := seen[p]; ok {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		seen[p] = struct{}{}
		documents = append(documents, domain.Document{ID: hashString(p), Path: p, Content: string(data)})
		return nil
	}
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				if err := add(m); err != nil {
					return nil, err
				}
				continue
			}
			err = filepath.WalkDir(m, func(path string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				return add(path)
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return documents, nil
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return true
	}
	return false
}

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8])
}

// FileSink writes a local index file. Vectors from the TF-IDF embedder are
// not stored because they are rebuilt from the chunks on load.
type FileSink struct {
	Path string
}

func (f FileSink) Write(_ context.Context, embedder domain.Embedder, chunks []domain.Chunk, vectors [][]float64) error {
	idx := &memory.Index{
		Embedder:  embedder.Name(),
		Dimension: embedder.Dimension(),
		Chunks:    chunks,
	}
	if embedder.Name() != "tfidf" {
		idx.Vectors = vectors
	}
	if err := memory.WriteIndex(f.Path, idx); err != nil {
		return fmt.Errorf("write index %s: %w", f.Path, err)
	}
	return nil
}

// StoreSink replaces the contents of a vector store.
type StoreSink struct {
	Store domain.VectorStore
}

func (s StoreSink) Write(ctx context.Context, embedder domain.Embedder, chunks []domain.Chunk, vectors [][]float64) error {
	if err := s.Store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	dim := embedder.Dimension()
	if dim == 0 && len(vectors) > 0 {
		dim = len(vectors[0])
	}
	if err := s.Store.Init(ctx, dim); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := s.Store.Upsert(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
