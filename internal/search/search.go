package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/cache"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/seanblong/csvrag/pkg/models"
)

// DefaultK is the number of chunks retrieved per question.
const DefaultK = 5

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// AnswerCache stores answers by key. A nil answer from Get is a miss.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*models.Answer, error)
	Set(ctx context.Context, key string, answer *models.Answer) error
}

type Service struct {
	Client ai.Client
	Store  store.ChunkStore
	Cache  AnswerCache
	K      int
}

// NewService creates a new search service with the provided AI client and store
func NewService(client ai.Client, store store.ChunkStore, k int) *Service {
	if k <= 0 {
		k = DefaultK
	}
	return &Service{
		Client: client,
		Store:  store,
		K:      k,
	}
}

func (s *Service) k(k int) int {
	if k > 0 {
		return k
	}
	if s.K > 0 {
		return s.K
	}
	return DefaultK
}

// Search returns the k chunks most similar to q. k <= 0 uses the service default.
func (s *Service) Search(ctx context.Context, q string, k int) ([]models.SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuestion
	}

	vecs, err := s.Client.Embed(ctx, []string{q})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: expected 1 vector, got %d", len(vecs))
	}

	res, err := s.Store.Search(ctx, vecs[0], s.k(k))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Ask retrieves context for q and has the language model answer from it.
func (s *Service) Ask(ctx context.Context, q string, k int) (*models.Answer, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuestion
	}
	k = s.k(k)

	var key string
	if s.Cache != nil {
		meta, err := s.Store.Meta(ctx)
		if err != nil {
			return nil, err
		}
		key = cache.Key(q, k, meta.BuiltAt)
		cached, err := s.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("answer cache read failed")
		} else if cached != nil {
			cached.Cached = true
			return cached, nil
		}
	}

	results, err := s.Search(ctx, q, k)
	if err != nil {
		return nil, err
	}

	contexts := make([]string, 0, len(results))
	for _, r := range results {
		contexts = append(contexts, r.Chunk.Content)
	}
	text, err := s.Client.Generate(ctx, ai.GenerateRequest{Question: q, Context: contexts})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	answer := &models.Answer{
		Question: q,
		Answer:   text,
		Sources:  results,
	}
	log.Debug().Str("question", q).Int("sources", len(results)).Msg("answered question")

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, key, answer); err != nil {
			log.Warn().Err(err).Msg("answer cache write failed")
		}
	}
	return answer, nil
}

// Stats reports the metadata of the current index.
func (s *Service) Stats(ctx context.Context) (models.IndexMeta, error) {
	return s.Store.Meta(ctx)
}
