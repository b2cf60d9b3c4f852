package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// indexFile is the database file kept inside the persist directory.
const indexFile = "index.db"

// chunkRecord stores a chunk and its embedding; the embedding is a JSON array of float32.
type chunkRecord struct {
	ID        string `gorm:"primaryKey"`
	Source    string `gorm:"index"`
	Row       int
	Ordinal   int
	Content   string `gorm:"type:text;not null"`
	Embedding string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (chunkRecord) TableName() string { return "chunks" }

type metaRecord struct {
	ID         uint `gorm:"primaryKey"`
	Dim        int
	Provider   string
	EmbedModel string
	BuiltAt    time.Time
	// Complete is set by Commit once every chunk has been written.
	Complete bool
}

func (metaRecord) TableName() string { return "index_meta" }

// DirStore is an index persisted as a SQLite database inside a directory.
// Similarity search loads every vector and ranks in process.
type DirStore struct {
	dir string

	mu sync.Mutex
	db *gorm.DB
}

// NewDirStore returns a store rooted at dir. Nothing is touched on disk until Reset.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Path returns the index database file.
func (s *DirStore) Path() string {
	return filepath.Join(s.dir, indexFile)
}

// Exists reports whether a committed index is persisted.
func (s *DirStore) Exists(ctx context.Context) (bool, error) {
	_, _, err := s.ready(ctx)
	if errors.Is(err, ErrIndexNotFound) {
		return false, nil
	}
	return err == nil, err
}

// conn opens the database lazily. Callers must have checked Exists or be building the index.
func (s *DirStore) conn() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := gorm.Open(sqlite.Open(s.Path()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", s.Path(), err)
	}
	s.db = db
	return db, nil
}

func (s *DirStore) closeConn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// readMeta opens the index and reads its meta row, committed or not.
func (s *DirStore) readMeta(ctx context.Context) (*gorm.DB, metaRecord, error) {
	fi, err := os.Stat(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		// the directory may have been deleted under an open handle
		_ = s.closeConn()
		return nil, metaRecord{}, fmt.Errorf("%s: %w", s.dir, ErrIndexNotFound)
	}
	if err != nil {
		return nil, metaRecord{}, err
	}
	if fi.IsDir() {
		return nil, metaRecord{}, fmt.Errorf("%s: %w", s.dir, ErrIndexNotFound)
	}
	db, err := s.conn()
	if err != nil {
		return nil, metaRecord{}, err
	}
	if !db.WithContext(ctx).Migrator().HasTable(&metaRecord{}) {
		return nil, metaRecord{}, fmt.Errorf("%s: %w", s.dir, ErrIndexNotFound)
	}
	var meta metaRecord
	if err := db.WithContext(ctx).First(&meta).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, metaRecord{}, fmt.Errorf("%s: %w", s.dir, ErrIndexNotFound)
		}
		return nil, metaRecord{}, fmt.Errorf("read index meta: %w", err)
	}
	return db, meta, nil
}

// ready opens a committed index for reading, failing with ErrIndexNotFound otherwise.
func (s *DirStore) ready(ctx context.Context) (*gorm.DB, metaRecord, error) {
	db, meta, err := s.readMeta(ctx)
	if err != nil {
		return nil, metaRecord{}, err
	}
	if !meta.Complete {
		return nil, metaRecord{}, fmt.Errorf("%s: incomplete index: %w", s.dir, ErrIndexNotFound)
	}
	return db, meta, nil
}

func (s *DirStore) Reset(ctx context.Context, meta models.IndexMeta) error {
	if err := s.Delete(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create persist directory: %w", err)
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).AutoMigrate(&chunkRecord{}, &metaRecord{}); err != nil {
		return fmt.Errorf("migrate index: %w", err)
	}
	builtAt := meta.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}
	rec := metaRecord{
		ID:         1,
		Dim:        meta.Dim,
		Provider:   meta.Provider,
		EmbedModel: meta.EmbedModel,
		BuiltAt:    builtAt,
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("write index meta: %w", err)
	}
	log.Debug().Str("path", s.Path()).Int("dim", meta.Dim).Msg("index reset")
	return nil
}

func (s *DirStore) Commit(ctx context.Context) error {
	db, meta, err := s.readMeta(ctx)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Model(&metaRecord{}).Where("id = ?", meta.ID).Update("complete", true).Error; err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

func (s *DirStore) Insert(ctx context.Context, chunks []models.Chunk, vecs [][]float32) error {
	db, meta, err := s.readMeta(ctx)
	if err != nil {
		return err
	}
	if err := checkInsert(chunks, vecs, meta.Dim); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	recs := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		b, err := json.Marshal(vecs[i])
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		recs[i] = chunkRecord{
			ID:        c.ID,
			Source:    c.Source,
			Row:       c.Row,
			Ordinal:   c.Ordinal,
			Content:   c.Content,
			Embedding: string(b),
		}
	}
	if err := db.WithContext(ctx).CreateInBatches(recs, 200).Error; err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

func (s *DirStore) Search(ctx context.Context, vec []float32, k int) ([]models.SearchResult, error) {
	db, meta, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if len(vec) != meta.Dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), meta.Dim)
	}

	var recs []chunkRecord
	if err := db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	results := make([]models.SearchResult, 0, len(recs))
	for _, r := range recs {
		var emb []float32
		if err := json.Unmarshal([]byte(r.Embedding), &emb); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("skipping chunk with unreadable embedding")
			continue
		}
		results = append(results, models.SearchResult{
			Chunk: models.Chunk{
				ID:        r.ID,
				Source:    r.Source,
				Row:       r.Row,
				Ordinal:   r.Ordinal,
				Content:   r.Content,
				CreatedAt: r.CreatedAt,
			},
			Score: cosine(vec, emb),
		})
	}
	return topK(results, k), nil
}

func (s *DirStore) Meta(ctx context.Context) (models.IndexMeta, error) {
	db, meta, err := s.ready(ctx)
	if err != nil {
		return models.IndexMeta{}, err
	}
	var n int64
	if err := db.WithContext(ctx).Model(&chunkRecord{}).Count(&n).Error; err != nil {
		return models.IndexMeta{}, fmt.Errorf("count chunks: %w", err)
	}
	return models.IndexMeta{
		Dim:        meta.Dim,
		Provider:   meta.Provider,
		EmbedModel: meta.EmbedModel,
		Chunks:     n,
		BuiltAt:    meta.BuiltAt,
	}, nil
}

// Delete removes the index database. The persist directory itself is removed
// only when nothing else is left in it.
func (s *DirStore) Delete(ctx context.Context) error {
	if err := s.closeConn(); err != nil {
		log.Warn().Err(err).Str("path", s.Path()).Msg("failed to close index")
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(s.Path() + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove index: %w", err)
		}
	}
	if err := os.Remove(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Debug().Err(err).Str("dir", s.dir).Msg("persist directory kept")
	}
	return nil
}

func (s *DirStore) Close() error {
	return s.closeConn()
}
