package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/chunker"
	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/embedding/tfidf"
	"github.com/cllghn/csg-docs-llm/internal/summarizer"
	"github.com/cllghn/csg-docs-llm/internal/vectorstore/memory"
)

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"jail.txt":         "County jail populations fell after bail reform. Pretrial detention dropped.",
		"nested/parole.md": "Parole boards held more hearings. Parole grants rose in 2022.",
		"ignored.pdf":      "binary",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func newService() *Service {
	return NewService(chunker.NewSentenceChunker(1, 0), tfidf.NewEmbedder(), summarizer.NewFrequencySummarizer(), 2, zap.NewNop())
}

func TestIngest_FileSink(t *testing.T) {
	dir := writeCorpus(t)
	out := filepath.Join(t.TempDir(), "index.json")

	report, err := newService().Ingest(context.Background(), []string{dir}, FileSink{Path: out})

	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 4, report.Chunks)
	assert.NotEmpty(t, report.Digest)

	idx, err := memory.ReadIndex(out)
	require.NoError(t, err)
	assert.Equal(t, "tfidf", idx.Embedder)
	assert.Len(t, idx.Chunks, 4)
	assert.Empty(t, idx.Vectors, "tfidf vectors are rebuilt on load")

	sources := map[string]bool{}
	for _, ch := range idx.Chunks {
		sources[ch.SourceID] = true
	}
	assert.Equal(t, map[string]bool{"jail.txt": true, "parole.md": true}, sources)
}

func TestIngest_StoreSinkReplacesContents(t *testing.T) {
	dir := writeCorpus(t)
	store := memory.NewStorage()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, 1))
	require.NoError(t, store.Upsert(ctx, []domain.Chunk{{ChunkID: "stale"}}, [][]float64{{1}}))

	_, err := newService().Ingest(ctx, []string{filepath.Join(dir, "*.txt")}, StoreSink{Store: store})

	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestIngest_NoDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0o644))

	_, err := newService().Ingest(context.Background(), []string{dir}, FileSink{Path: filepath.Join(dir, "i.json")})

	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestIngest_MissingPath(t *testing.T) {
	_, err := newService().Ingest(context.Background(), []string{"/definitely/not/here.txt"}, FileSink{Path: "unused"})
	assert.Error(t, err)
}
