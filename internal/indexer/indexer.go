package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/seanblong/csvrag/pkg/models"
	"github.com/tmc/langchaingo/textsplitter"
)

var (
	// ErrIndexExists is returned when an index is already persisted and Reset is not set.
	ErrIndexExists = errors.New("index already exists; rerun with --reset to rebuild it")
	// ErrNoDocuments is returned when there is nothing to index.
	ErrNoDocuments = errors.New("no documents to index")
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultBatchSize    = 64
	maxWorkers          = 8
)

// Separators are tried in order when splitting a document.
var Separators = []string{"\n\n", "\n", " ", ""}

// Invalidator drops cached answers after the index changes.
type Invalidator interface {
	Clear(ctx context.Context) error
}

// Options tune chunking and embedding.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	// Workers is the number of concurrent embedding requests.
	Workers int
	// Reset allows replacing an existing index.
	Reset bool
	// Provider is recorded in the index metadata.
	Provider string
}

// Indexer chunks documents, embeds the chunks and writes them to a store.
type Indexer struct {
	Store    store.ChunkStore
	Client   ai.Client
	Cache    Invalidator
	Splitter textsplitter.TextSplitter
	Options  Options
}

// Result summarises a completed run.
type Result struct {
	Documents int
	Chunks    int
	Dim       int
	BuiltAt   time.Time
}

// NewSplitter returns the recursive character splitter used for documents.
func NewSplitter(size, overlap int) textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(Separators),
	)
}

// New creates an Indexer, filling in default options.
func New(s store.ChunkStore, client ai.Client, opts Options) *Indexer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(DefaultChunkOverlap, opts.ChunkSize/5)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Workers > maxWorkers {
		opts.Workers = maxWorkers // cap to avoid overwhelming the AI API
	}
	return &Indexer{
		Store:    s,
		Client:   client,
		Splitter: NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		Options:  opts,
	}
}

// Chunk splits every document into chunks with stable IDs.
func (ix *Indexer) Chunk(docs []models.Document) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, d := range docs {
		parts, err := ix.Splitter.SplitText(d.Text)
		if err != nil {
			return nil, fmt.Errorf("split %s row %d: %w", d.Source, d.Row, err)
		}
		for i, p := range parts {
			out = append(out, models.Chunk{
				ID:      chunkID(d.Source, d.Row, i, p),
				Source:  d.Source,
				Row:     d.Row,
				Ordinal: i,
				Content: p,
			})
		}
	}
	return out, nil
}

// Run builds the index from docs. Chunks are embedded before any existing index is touched,
// so a failed embedding run leaves the previous index intact.
func (ix *Indexer) Run(ctx context.Context, docs []models.Document) (Result, error) {
	if len(docs) == 0 {
		return Result{}, ErrNoDocuments
	}

	exists, err := ix.Store.Exists(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("check index: %w", err)
	}
	if exists && !ix.Options.Reset {
		return Result{}, ErrIndexExists
	}

	chunks, err := ix.Chunk(docs)
	if err != nil {
		return Result{}, err
	}
	if len(chunks) == 0 {
		return Result{}, ErrNoDocuments
	}
	log.Info().Int("documents", len(docs)).Int("chunks", len(chunks)).Msg("split documents")

	vecs, err := ix.embed(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	dim := len(vecs[0])
	builtAt := time.Now().UTC()
	meta := models.IndexMeta{
		Dim:        dim,
		Provider:   ix.Options.Provider,
		EmbedModel: ix.Client.Model(),
		BuiltAt:    builtAt,
	}
	if exists {
		log.Info().Msg("deleting existing index")
	}
	if err := ix.Store.Reset(ctx, meta); err != nil {
		ix.discard(ctx)
		return Result{}, fmt.Errorf("reset index: %w", err)
	}

	for start := 0; start < len(chunks); start += ix.Options.BatchSize {
		end := min(start+ix.Options.BatchSize, len(chunks))
		if err := ix.Store.Insert(ctx, chunks[start:end], vecs[start:end]); err != nil {
			ix.discard(ctx)
			return Result{}, fmt.Errorf("persist chunks: %w", err)
		}
	}
	if err := ix.Store.Commit(ctx); err != nil {
		ix.discard(ctx)
		return Result{}, fmt.Errorf("commit index: %w", err)
	}

	if ix.Cache != nil {
		if err := ix.Cache.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear answer cache")
		}
	}

	log.Info().Int("chunks", len(chunks)).Int("dim", dim).Msg("index built")
	return Result{Documents: len(docs), Chunks: len(chunks), Dim: dim, BuiltAt: builtAt}, nil
}

// discard removes a partially written index. An uncommitted index is already
// invisible to readers; deleting it also frees the space.
func (ix *Indexer) discard(ctx context.Context) {
	if err := ix.Store.Delete(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("failed to remove partial index")
	}
}

// batch is a contiguous range of chunks embedded in one request.
type batch struct {
	start, end int
}

// embed computes one vector per chunk, in chunk order.
func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	vecs := make([][]float32, len(chunks))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workChan := make(chan batch, ix.Options.Workers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < ix.Options.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for b := range workChan {
				if err := ix.embedBatch(ctx, chunks, vecs, b); err != nil {
					select {
					case errorChan <- err:
						cancel()
					default:
						log.Error().Err(err).Int("worker", workerID).Msg("embedding error")
					}
				}
			}
		}(i)
	}

send:
	for start := 0; start < len(chunks); start += ix.Options.BatchSize {
		select {
		case workChan <- batch{start: start, end: min(start+ix.Options.BatchSize, len(chunks))}:
		case <-ctx.Done():
			break send
		}
	}
	close(workChan)
	wg.Wait()

	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, chunks []models.Chunk, vecs [][]float32, b batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	texts := make([]string, 0, b.end-b.start)
	for _, c := range chunks[b.start:b.end] {
		texts = append(texts, c.Content)
	}
	out, err := ix.Client.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks %d-%d: %w", b.start, b.end-1, err)
	}
	if len(out) != len(texts) {
		return fmt.Errorf("embed chunks %d-%d: expected %d vectors, got %d", b.start, b.end-1, len(texts), len(out))
	}
	for i, v := range out {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding for chunk %d", b.start+i)
		}
		vecs[b.start+i] = v
	}
	log.Debug().Int("from", b.start).Int("to", b.end).Msg("embedded batch")
	return nil
}

func chunkID(source string, row, ordinal int, content string) string {
	h := sha1.Sum([]byte(source + "#" + strconv.Itoa(row) + ":" + strconv.Itoa(ordinal) + "#" + content))
	return hex.EncodeToString(h[:])
}
