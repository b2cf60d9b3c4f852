package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/auth"
	"github.com/seanblong/csvrag/internal/cache"
	"github.com/seanblong/csvrag/internal/config"
	"github.com/seanblong/csvrag/internal/search"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/seanblong/csvrag/pkg/models"
	"github.com/spf13/pflag"
)

// Searcher is the part of search.Service the API serves.
type Searcher interface {
	Ask(ctx context.Context, q string, k int) (*models.Answer, error)
	Search(ctx context.Context, q string, k int) ([]models.SearchResult, error)
	Stats(ctx context.Context) (models.IndexMeta, error)
}

type askRequest struct {
	Question string `json:"question"`
	K        int    `json:"k"`
}

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("csvrag-api", pflag.ExitOnError)
	issueToken := fs.String("issue-token", "", "Print a bearer token for the given subject and exit")

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Initialize auth with configuration
	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
	if *issueToken != "" {
		token, err := auth.GenerateToken(*issueToken, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.Store).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting csvrag api")

	ctx := context.Background()

	clientConfig, err := cfg.AIClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", c.Dim()).Str("model", c.Model()).Msg("AI client initialized")

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// a missing index is reported per request so the server can start before the indexer runs
	if ok, err := st.Exists(ctx); err != nil {
		log.Fatalf("Failed to check index: %v", err)
	} else if !ok {
		logger.Warn().Msg("no index found; /ask and /search return 409 until the indexer has run")
	}

	svc := search.NewService(c, st, cfg.TopK)
	if cfg.RedisURL != "" {
		rc, err := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("answer cache unavailable")
		} else {
			defer rc.Close()
			svc.Cache = rc
		}
	}

	if auth.IsAuthEnabled() {
		logger.Info().Msg("Authentication is ENABLED")
	} else {
		logger.Info().Msg("Authentication is DISABLED - running in open mode")
	}

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{
		Addr:              address,
		Handler:           withLogging(logger, newMux(svc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func newMux(svc Searcher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// Auth status endpoint (always available)
	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, map[string]bool{"enabled": auth.IsAuthEnabled()})
	})

	mux.HandleFunc("/ask", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := parseAsk(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		answer, err := svc.Ask(ctx, req.Question, req.K)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sanitize(answer.Sources)
		writeJSON(w, r, answer)

		hlog.FromRequest(r).Info().Str("path", "/ask").Str("subject", auth.GetSubjectFromContext(r)).Int("k", req.K).Int("sources", len(answer.Sources)).Bool("cached", answer.Cached).Dur("dur", time.Since(start)).Msg("served")
	}))

	mux.HandleFunc("/search", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query().Get("q")
		k, err := parseK(r.URL.Query().Get("k"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		res, err := svc.Search(ctx, q, k)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// never an empty body
		if res == nil {
			res = []models.SearchResult{}
		}
		sanitize(res)
		writeJSON(w, r, res)

		hlog.FromRequest(r).Info().Str("path", "/search").Str("subject", auth.GetSubjectFromContext(r)).Int("k", k).Int("results", len(res)).Dur("dur", time.Since(start)).Msg("served")
	}))

	mux.HandleFunc("/stats", auth.OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		meta, err := svc.Stats(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, meta)
	}))
	return mux
}

func withLogging(logger zerolog.Logger, h http.Handler) http.Handler {
	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(h),
	)
}

// parseAsk reads q and k from the query string (GET) or a JSON body (POST).
func parseAsk(w http.ResponseWriter, r *http.Request) (askRequest, error) {
	var req askRequest
	switch r.Method {
	case http.MethodGet:
		req.Question = r.URL.Query().Get("q")
		k, err := parseK(r.URL.Query().Get("k"))
		if err != nil {
			return req, err
		}
		req.K = k
	default:
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON body: %v", err)
		}
		if req.K < 0 {
			return req, errors.New("k must not be negative")
		}
	}
	return req, nil
}

func parseK(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid k %q", v)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, search.ErrEmptyQuestion):
		http.Error(w, "missing question", http.StatusBadRequest)
	case errors.Is(err, store.ErrIndexNotFound), errors.Is(err, store.ErrDimensionMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	default:
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, strings.TrimSpace(err.Error()), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}

func sanitize(res []models.SearchResult) {
	for i := range res {
		if math.IsNaN(res[i].Score) || math.IsInf(res[i].Score, 0) {
			res[i].Score = 0
		}
	}
}
