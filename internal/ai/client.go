package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Client provides both embedding and answer generation capabilities
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Dim() int
	Model() string
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
	BaseURL    string
}

// GenerateRequest is a question plus the retrieved context it must be answered from.
type GenerateRequest struct {
	Question string
	Context  []string
}

// ParseProvider maps a configured provider name to a Provider.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google", "gemini":
		return ProviderVertexAI, nil
	case "stub":
		return ProviderStub, nil
	default:
		return "", errors.New("unsupported provider: " + name)
	}
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		if config.Dim == 0 {
			config.Dim = defaultStubDim
		}
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

const defaultStubDim = 256

// StubClient is an offline Client: feature-hashed embeddings and extractive answers.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

// Embed hashes each lower-cased word into a bucket and L2-normalises the counts.
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.dim <= 0 {
		return nil, errors.New("stub embedding dimension must be positive")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, s.dim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[h.Sum32()%uint32(s.dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range vec {
				vec[j] /= n
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Generate answers with the first line of the best context entry.
func (s *StubClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	for _, c := range req.Context {
		line, _, _ := strings.Cut(strings.TrimSpace(c), "\n")
		if line != "" {
			return line, nil
		}
	}
	return "I don't know.", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func (s *StubClient) Model() string {
	return "stub-hash"
}

// stuffPromptTemplate places all retrieved context ahead of the question.
const stuffPromptTemplate = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

%s

Question: %s
Helpful Answer:`

// StuffPrompt renders req into a single prompt string.
func StuffPrompt(req GenerateRequest) string {
	return fmt.Sprintf(stuffPromptTemplate, strings.Join(req.Context, "\n\n"), req.Question)
}
