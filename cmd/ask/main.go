package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/cache"
	"github.com/seanblong/csvrag/internal/config"
	"github.com/seanblong/csvrag/internal/search"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/seanblong/csvrag/pkg/models"
	"github.com/spf13/pflag"
)

const separator = "--------------------------------------------------"

// Asker answers a question from the index.
type Asker interface {
	Ask(ctx context.Context, q string, k int) (*models.Answer, error)
}

type session struct {
	asker       Asker
	k           int
	showSources bool
	out         io.Writer
}

func main() {
	fs := pflag.NewFlagSet("csvrag-ask", pflag.ExitOnError)
	showSources := fs.Bool("show-sources", false, "Print each retrieved source chunk")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx := context.Background()

	clientConfig, err := cfg.AIClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	client, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ok, err := st.Exists(ctx)
	if err != nil {
		log.Fatalf("Failed to check index: %v", err)
	}
	if !ok {
		log.Fatal(store.ErrIndexNotFound)
	}

	svc := search.NewService(client, st, cfg.TopK)
	if cfg.RedisURL != "" {
		rc, err := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			zlog.Warn().Err(err).Msg("answer cache unavailable")
		} else {
			defer rc.Close()
			svc.Cache = rc
		}
	}

	s := &session{asker: svc, k: cfg.TopK, showSources: *showSources, out: os.Stdout}
	if args := fs.Args(); len(args) > 0 {
		err = s.batch(ctx, args)
	} else {
		err = s.loop(ctx, os.Stdin)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func isQuit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

// loop reads questions from in until a quit word or EOF.
func (s *session) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, "\n=== CSV RAG QA System ===")
	fmt.Fprintln(s.out, "Ask questions about your CSV data (type 'quit' to exit)")
	fmt.Fprintln(s.out)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.out, "Question: ")
		if !sc.Scan() {
			fmt.Fprintln(s.out)
			return sc.Err()
		}
		line := sc.Text()
		if isQuit(line) {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.answer(ctx, line); err != nil {
			return err
		}
	}
}

// batch answers each question in order without prompting.
func (s *session) batch(ctx context.Context, questions []string) error {
	for _, q := range questions {
		if strings.TrimSpace(q) == "" {
			continue
		}
		fmt.Fprintf(s.out, "Q: %s\n", q)
		if err := s.answer(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) answer(ctx context.Context, q string) error {
	a, err := s.asker.Ask(ctx, q, s.k)
	if err != nil {
		if errors.Is(err, store.ErrIndexNotFound) {
			return err
		}
		return fmt.Errorf("ask %q: %w", q, err)
	}
	fmt.Fprintf(s.out, "\nAnswer: %s\n\n", a.Answer)
	fmt.Fprintf(s.out, "Sources: %d documents retrieved\n\n", len(a.Sources))
	if s.showSources {
		for i, r := range a.Sources {
			fmt.Fprintf(s.out, "  [%d] %s row %d (score %.3f)\n      %s\n", i+1, r.Chunk.Source, r.Chunk.Row, r.Score, r.Chunk.Content)
		}
		fmt.Fprintln(s.out)
	}
	fmt.Fprintln(s.out, separator)
	return nil
}
