package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cllghn/csg-docs-llm/internal/domain"
)

const indexVersion = 1

// Index is the on-disk form of a local document set. Vectors may be omitted
// when the embedder can rebuild them from the chunks.
type Index struct {
	Version   int            `json:"version"`
	Embedder  string         `json:"embedder"`
	Dimension int            `json:"dimension"`
	CreatedAt time.Time      `json:"created_at"`
	Chunks    []domain.Chunk `json:"chunks"`
	Vectors   [][]float64    `json:"vectors,omitempty"`
}

// WriteIndex writes idx to path atomically.
func WriteIndex(path string, idx *Index) error {
	if len(idx.Vectors) > 0 && len(idx.Vectors) != len(idx.Chunks) {
		return errors.New("chunks and vectors length mismatch")
	}
	idx.Version = indexVersion
	if idx.CreatedAt.IsZero() {
		idx.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadIndex loads an index written by WriteIndex.
func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	if idx.Version != indexVersion {
		return nil, fmt.Errorf("index %s has unsupported version %d", path, idx.Version)
	}
	if len(idx.Vectors) > 0 && len(idx.Vectors) != len(idx.Chunks) {
		return nil, fmt.Errorf("index %s is corrupt: %d chunks, %d vectors", path, len(idx.Chunks), len(idx.Vectors))
	}
	return &idx, nil
}
