package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/cllghn/csg-docs-llm/internal/domain"
)

// Schema creates the table layout the retriever and ingest expect.
// The vector column is left untyped so any embedding dimension works.
func Schema(table string) string {
	t := pgx.Identifier{table}.Sanitize()
	return `CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS ` + t + ` (
	chunk_id  TEXT PRIMARY KEY,
	source_id TEXT NOT NULL DEFAULT '',
	page      TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL,
	embedding vector NOT NULL
);`
}

// Retriever ranks rows of one table by cosine similarity to the query embedding.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder domain.Embedder
	query    string
}

// New connects to Postgres and registers the vector type on every connection.
func New(ctx context.Context, dsn, table string, embedder domain.Embedder) (*Retriever, error) {
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Retriever{pool: pool, embedder: embedder, query: searchQuery(table)}, nil
}

// Connect opens a pool with pgvector types registered and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func searchQuery(table string) string {
	return fmt.Sprintf(
		`SELECT content, source_id, page, 1 - (embedding <=> $1) AS score FROM %s ORDER BY embedding <=> $1 LIMIT $2`,
		pgx.Identifier{table}.Sanitize(),
	)
}

func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	rows, err := r.pool.Query(ctx, r.query, pgv.NewVector(toFloat32(vec)), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []domain.Passage
	for rows.Next() {
		var p domain.Passage
		if err := rows.Scan(&p.Text, &p.SourceID, &p.Page, &p.Score); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Retriever) Close() { r.pool.Close() }

// Store writes chunks into the table, replacing rows with the same chunk id.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

func NewStore(pool *pgxpool.Pool, table string) *Store {
	return &Store{pool: pool, table: table}
}

// Init creates the table if needed.
func (s *Store) Init(ctx context.Context, _ int) error {
	_, err := s.pool.Exec(ctx, Schema(s.table))
	return err
}

func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch")
	}
	stmt := fmt.Sprintf(
		`INSERT INTO %s (chunk_id, source_id, page, content, embedding) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (chunk_id) DO UPDATE SET source_id = EXCLUDED.source_id, page = EXCLUDED.page, content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
		pgx.Identifier{s.table}.Sanitize(),
	)
	batch := &pgx.Batch{}
	for i, ch := range chunks {
		batch.Queue(stmt, ch.ChunkID, ch.SourceID, ch.Page, ch.Text, pgv.NewVector(toFloat32(vectors[i])))
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) Search(ctx context.Context, vector []float64, topK int) ([]domain.SearchResult, error) {
	rows, err := s.pool.Query(ctx, searchQuery(s.table), pgv.NewVector(toFloat32(vector)), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SearchResult
	for rows.Next() {
		var r domain.SearchResult
		if err := rows.Scan(&r.Chunk.Text, &r.Chunk.SourceID, &r.Chunk.Page, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear empties the table. A missing table is not an error.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{s.table}.Sanitize()))
	return err
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
