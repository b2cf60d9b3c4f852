package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/csvrag/pkg/models"
)

// PGStore keeps the index in PostgreSQL with the pgvector extension.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store connected to the given database URL.
func NewPGStore(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PGStore{pool: p}
	if err := s.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return s, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Exists reports whether a committed index is persisted.
func (s *PGStore) Exists(ctx context.Context) (bool, error) {
	_, err := s.dim(ctx, true)
	if errors.Is(err, ErrIndexNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Reset drops the index tables and recreates them for meta.Dim.
func (s *PGStore) Reset(ctx context.Context, meta models.IndexMeta) error {
	if meta.Dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", meta.Dim)
	}
	q := `
DROP TABLE IF EXISTS csv_chunks;
DROP TABLE IF EXISTS csv_index_meta;

CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE csv_chunks (
  id         TEXT PRIMARY KEY,
  source     TEXT NOT NULL,
  row_idx    INT NOT NULL,
  ordinal    INT NOT NULL,
  content    TEXT NOT NULL,
  embedding  vector(%d) NOT NULL,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX csv_chunks_source_idx ON csv_chunks (source);
CREATE INDEX csv_chunks_embedding_idx
  ON csv_chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE csv_index_meta (
  id          INT PRIMARY KEY,
  dim         INT NOT NULL,
  provider    TEXT NOT NULL,
  embed_model TEXT NOT NULL,
  built_at    TIMESTAMP WITH TIME ZONE NOT NULL,
  complete    BOOLEAN NOT NULL DEFAULT false
);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, meta.Dim)); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}

	builtAt := meta.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO csv_index_meta (id, dim, provider, embed_model, built_at) VALUES (1, $1, $2, $3, $4)`,
		meta.Dim, meta.Provider, meta.EmbedModel, builtAt,
	)
	return err
}

// Commit marks the index complete.
func (s *PGStore) Commit(ctx context.Context) error {
	if _, err := s.dim(ctx, false); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE csv_index_meta SET complete = true WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIndexNotFound
	}
	return nil
}

// dim reads the index dimension. Writers pass committed=false to reach an index
// that Reset created but Commit has not yet marked complete.
func (s *PGStore) dim(ctx context.Context, committed bool) (int, error) {
	var chunks, meta *string
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass('public.csv_chunks')::text, to_regclass('public.csv_index_meta')::text`,
	).Scan(&chunks, &meta)
	if err != nil {
		return 0, err
	}
	if chunks == nil || meta == nil {
		return 0, ErrIndexNotFound
	}
	q := `SELECT dim FROM csv_index_meta WHERE id = 1`
	if committed {
		q += ` AND complete`
	}
	var dim int
	if err := s.pool.QueryRow(ctx, q).Scan(&dim); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrIndexNotFound
		}
		return 0, err
	}
	return dim, nil
}

func (s *PGStore) Insert(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error {
	dim, err := s.dim(ctx, false)
	if err != nil {
		return err
	}
	if err := checkInsert(chunks, vecs, dim); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	const q = `
		INSERT INTO csv_chunks (id, source, row_idx, ordinal, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			content   = EXCLUDED.content,
			embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(q, c.ID, c.Source, c.Row, c.Ordinal, c.Content, pgvector.NewVector(vecs[i]))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error) {
	dim, err := s.dim(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), dim)
	}
	if k <= 0 {
		return []models.SearchResult{}, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, source, row_idx, ordinal, content, created_at,
       1 - (embedding <=> $1) AS score
FROM csv_chunks
ORDER BY embedding <=> $1, id
LIMIT $2`, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.Source, &r.Chunk.Row, &r.Chunk.Ordinal,
			&r.Chunk.Content, &r.Chunk.CreatedAt, &r.Score,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Meta(ctx context.Context) (models.IndexMeta, error) {
	ok, err := s.Exists(ctx)
	if err != nil {
		return models.IndexMeta{}, err
	}
	if !ok {
		return models.IndexMeta{}, ErrIndexNotFound
	}
	var m models.IndexMeta
	err = s.pool.QueryRow(ctx, `
SELECT m.dim, m.provider, m.embed_model, m.built_at, (SELECT count(*) FROM csv_chunks)
FROM csv_index_meta m WHERE m.id = 1 AND m.complete`).Scan(&m.Dim, &m.Provider, &m.EmbedModel, &m.BuiltAt, &m.Chunks)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IndexMeta{}, ErrIndexNotFound
	}
	return m, err
}

func (s *PGStore) Delete(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS csv_chunks; DROP TABLE IF EXISTS csv_index_meta;`)
	return err
}
