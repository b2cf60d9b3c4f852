package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/seanblong/csvrag/pkg/models"
)

var (
	// ErrIndexNotFound means no persisted index exists; the indexer has not been run.
	ErrIndexNotFound = errors.New("vector index not found; run the indexer first")
	// ErrDimensionMismatch means a query vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension does not match index")
)

// ChunkStore defines the methods that every index backend must implement.
type ChunkStore interface {
	// Exists reports whether a committed index is persisted.
	Exists(ctx context.Context) (bool, error)
	// Reset deletes any existing index and creates an empty, uncommitted one described by meta.
	// Readers see ErrIndexNotFound until Commit.
	Reset(ctx context.Context, meta models.IndexMeta) error
	Insert(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error
	// Commit marks the index complete once every chunk has been inserted.
	Commit(ctx context.Context) error
	Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error)
	Meta(ctx context.Context) (models.IndexMeta, error)
	// Delete removes the index entirely.
	Delete(ctx context.Context) error
	Close() error
}

const (
	KindDir      = "dir"
	KindPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Kind        string
	Dir         string
	DatabaseURL string
}

// Open returns the backend named by opts.Kind.
func Open(ctx context.Context, opts Options) (ChunkStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindDir:
		if strings.TrimSpace(opts.Dir) == "" {
			return nil, errors.New("persist directory is required for the dir store")
		}
		return NewDirStore(opts.Dir), nil
	case KindPostgres, "pgvector":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, errors.New("database url is required for the postgres store")
		}
		return NewPGStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported store: %s", opts.Kind)
	}
}

func checkInsert(chunks []models.Chunk, vecs [][]float32, dim int) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vecs))
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("chunk %d: %w: got %d, index has %d", i, ErrDimensionMismatch, len(v), dim)
		}
	}
	return nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK sorts results by descending score and keeps at most k.
func topK(results []models.SearchResult, k int) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k < 0 {
		k = 0
	}
	if k > len(results) {
		k = len(results)
	}
	return results[:k]
}
