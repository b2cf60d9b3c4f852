package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/cache"
	"github.com/seanblong/csvrag/internal/config"
	"github.com/seanblong/csvrag/internal/document"
	"github.com/seanblong/csvrag/internal/indexer"
	"github.com/seanblong/csvrag/internal/loader"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/spf13/pflag"
)

type mode int

const (
	modeBuild mode = iota
	modeReset
	modeResetOnly
	modeProbe
)

func main() {
	fs := pflag.NewFlagSet("csvrag-indexer", pflag.ExitOnError)
	reset := fs.Bool("reset", false, "Delete an existing index and rebuild it")
	resetOnly := fs.Bool("reset-only", false, "Delete the index and exit")
	probe := fs.Bool("probe", false, "Report how the CSV parses under each encoding and exit")

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

	m := modeBuild
	switch {
	case *probe:
		m = modeProbe
	case *resetOnly:
		m = modeResetOnly
	case *reset:
		m = modeReset
	}

	if err := run(context.Background(), cfg, m, os.Stdout); err != nil {
		if errors.Is(err, indexer.ErrIndexExists) {
			log.Fatalf("%v (persist dir %s)", err, cfg.PersistDir)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Specification, m mode, out io.Writer) error {
	if m == modeProbe {
		return probe(cfg.CSVPath, out)
	}

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			zlog.Warn().Err(err).Msg("close store")
		}
	}()

	var rc *cache.RedisCache
	if cfg.RedisURL != "" {
		rc, err = cache.New(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			// the index can still be built; stale answers expire with their TTL
			zlog.Warn().Err(err).Msg("answer cache unavailable")
			rc = nil
		} else {
			defer rc.Close()
		}
	}

	if m == modeResetOnly {
		if err := st.Delete(ctx); err != nil {
			return fmt.Errorf("delete index: %w", err)
		}
		if rc != nil {
			if err := rc.Clear(ctx); err != nil {
				zlog.Warn().Err(err).Msg("clear answer cache")
			}
		}
		fmt.Fprintln(out, "Removed index")
		return nil
	}

	tables, err := loader.New().LoadPath(cfg.CSVPath)
	if err != nil {
		return err
	}
	for _, t := range tables {
		zlog.Info().Str("source", t.Source).Str("encoding", t.Encoding).Int("rows", len(t.Rows)).Msg("loaded csv")
	}
	docs := document.Build(tables...)

	clientConfig, err := cfg.AIClientConfig()
	if err != nil {
		return err
	}
	zlog.Info().Str("provider", string(clientConfig.Provider)).Msg("using provider")
	client, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("create AI client: %w", err)
	}

	ix := indexer.New(st, client, indexer.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
		Reset:        m == modeReset,
		Provider:     string(clientConfig.Provider),
	})
	if rc != nil {
		ix.Cache = rc
	}

	res, err := ix.Run(ctx, docs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Indexed %d documents as %d chunks (dim %d)\n", res.Documents, res.Chunks, res.Dim)
	return nil
}

func probe(path string, out io.Writer) error {
	attempts, err := loader.New().Probe(path)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if a.Err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", a.Encoding, a.Err)
			continue
		}
		fmt.Fprintf(out, "✓ %s: %d rows, columns %v\n", a.Encoding, a.Rows, a.Columns)
	}
	return nil
}
