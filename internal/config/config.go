package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/seanblong/csvrag/internal/ai"
	"github.com/seanblong/csvrag/internal/store"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider     string            `yaml:"provider" toml:"provider"`
	APIKey       string            `yaml:"providerApiKey" toml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel   string            `yaml:"providerEmbedModel" toml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ChatModel    string            `yaml:"providerChatModel" toml:"providerChatModel" envconfig:"PROVIDER_CHAT_MODEL"`
	ProjectID    string            `yaml:"providerProjectID" toml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location     string            `yaml:"providerLocation" toml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	BaseURL      string            `yaml:"providerBaseURL" toml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	Dim          int               `yaml:"providerDim" toml:"providerDim" envconfig:"EMBED_DIM"`
	CSVPath      string            `yaml:"csvPath" toml:"csvPath" envconfig:"CSV_PATH"`
	Store        string            `yaml:"store" toml:"store"`
	PersistDir   string            `yaml:"persistDir" toml:"persistDir" split_words:"true"`
	Database     string            `yaml:"database" toml:"database" envconfig:"DB_URL"`
	ChunkSize    int               `yaml:"chunkSize" toml:"chunkSize" split_words:"true"`
	ChunkOverlap int               `yaml:"chunkOverlap" toml:"chunkOverlap" split_words:"true"`
	BatchSize    int               `yaml:"embedBatchSize" toml:"embedBatchSize" envconfig:"EMBED_BATCH_SIZE"`
	Workers      int               `yaml:"embedWorkers" toml:"embedWorkers" envconfig:"EMBED_WORKERS"`
	TopK         int               `yaml:"topK" toml:"topK" envconfig:"TOP_K"`
	RedisURL     string            `yaml:"redisURL" toml:"redisURL" envconfig:"REDIS_URL"`
	CacheTTL     time.Duration     `yaml:"cacheTTL" toml:"cacheTTL" envconfig:"CACHE_TTL"`
	LogLevel     string            `yaml:"logLevel" toml:"logLevel" split_words:"true"`
	Port         int               `yaml:"port" toml:"port" split_words:"true"`
	Auth         AuthSpecification `yaml:"auth" toml:"auth"`

	flags *pflag.FlagSet `ignored:"true"`
}

type AuthSpecification struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	JwtSecret string        `yaml:"jwtSecret" toml:"jwtSecret" split_words:"true"`
	TokenTTL  time.Duration `yaml:"tokenTTL" toml:"tokenTTL" envconfig:"TOKEN_TTL"`
}

const envPrefix = "CSVRAG"

// discovery lists the files tried, in order, when no config path is given.
var discovery = []string{
	"config/csvrag.yaml",
	"config/config.yaml",
	"./csvrag.yaml",
	"./config.yaml",
	"./csvrag.toml",
}

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML/TOML < env < flags.
// configPath may be ""; if so we auto-discover.
// Command specific flags must be defined on fs before calling Load.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range discovery {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadFile(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if err := cfg.validate(); err != nil {
		return Specification{}, err
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func (s *Specification) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Store)) {
	case store.KindDir:
		if strings.TrimSpace(s.PersistDir) == "" {
			return fmt.Errorf("%s_PERSIST_DIR is required for the dir store (env/file/flag)", envPrefix)
		}
	case store.KindPostgres, "pgvector":
		if strings.TrimSpace(s.Database) == "" {
			return fmt.Errorf("%s_DB_URL is required for the postgres store (env/file/flag)", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported store %q (dir|postgres)", s.Store)
	}
	if _, err := ai.ParseProvider(s.Provider); err != nil {
		return err
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", s.ChunkSize, s.ChunkOverlap)
	}
	if s.TopK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", s.TopK)
	}
	if s.Auth.Enabled && strings.TrimSpace(s.Auth.JwtSecret) == "" {
		return fmt.Errorf("%s_AUTH_JWT_SECRET is required when auth is enabled", envPrefix)
	}
	return nil
}

// AIClientConfig translates the provider settings for ai.NewClient.
func (s *Specification) AIClientConfig() (*ai.ClientConfig, error) {
	p, err := ai.ParseProvider(s.Provider)
	if err != nil {
		return nil, err
	}
	return &ai.ClientConfig{
		APIKey:     s.APIKey,
		EmbedModel: s.EmbedModel,
		ChatModel:  s.ChatModel,
		Dim:        s.Dim,
		ProjectID:  s.ProjectID,
		Location:   s.Location,
		BaseURL:    s.BaseURL,
		Provider:   p,
	}, nil
}

// StoreOptions selects the index backend.
func (s *Specification) StoreOptions() store.Options {
	return store.Options{
		Kind:        s.Store,
		Dir:         s.PersistDir,
		DatabaseURL: s.Database,
	}
}

// ---------- helpers ----------

// loadFile decodes TOML for .toml files and YAML otherwise.
// Durations are written as strings ("30m") in either format.
func loadFile(path string, into *Specification) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(b), into)
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file (.yaml or .toml)")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (stub, openai, vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-chat-model", c.ChatModel, "Provider chat model used to answer questions")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.String("provider-base-url", c.BaseURL, "Base URL for an OpenAI-compatible endpoint")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")
	fs.Int("embed-batch-size", c.BatchSize, "Texts per embedding request")
	fs.Int("embed-workers", c.Workers, "Concurrent embedding requests")

	fs.String("csv", c.CSVPath, "CSV file or directory of CSV files")
	fs.String("store", c.Store, "Index backend (dir|postgres)")
	fs.String("persist-dir", c.PersistDir, "Directory holding the dir index")
	fs.String("db-url", c.Database, "Database URL (DSN) for the postgres store")

	fs.Int("chunk-size", c.ChunkSize, "Maximum characters per chunk")
	fs.Int("chunk-overlap", c.ChunkOverlap, "Characters shared by consecutive chunks")
	fs.Int("top-k", c.TopK, "Chunks retrieved per question")

	fs.String("redis-url", c.RedisURL, "Redis URL for the answer cache (empty disables caching)")
	fs.Duration("cache-ttl", c.CacheTTL, "Answer cache TTL")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	fs.Bool("auth-enabled", c.Auth.Enabled, "Require a bearer token on API requests")
	fs.String("auth-jwt-secret", c.Auth.JwtSecret, "JWT secret for signing tokens")
	fs.Duration("auth-token-ttl", c.Auth.TokenTTL, "Lifetime of issued tokens")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-chat-model", &c.ChatModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setStr("provider-base-url", &c.BaseURL)

	setInt("embed-dim", &c.Dim)
	setInt("embed-batch-size", &c.BatchSize)
	setInt("embed-workers", &c.Workers)

	setStr("csv", &c.CSVPath)
	setStr("store", &c.Store)
	setStr("persist-dir", &c.PersistDir)
	setStr("db-url", &c.Database)

	setInt("chunk-size", &c.ChunkSize)
	setInt("chunk-overlap", &c.ChunkOverlap)
	setInt("top-k", &c.TopK)

	setStr("redis-url", &c.RedisURL)
	setDur("cache-ttl", &c.CacheTTL)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)

	// Auth flags
	setBool("auth-enabled", &c.Auth.Enabled)
	setStr("auth-jwt-secret", &c.Auth.JwtSecret)
	setDur("auth-token-ttl", &c.Auth.TokenTTL)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.CSVPath = "data.csv"
	c.Store = store.KindDir
	c.PersistDir = "./csvrag_db"
	c.ChunkSize = 1000
	c.ChunkOverlap = 200
	c.BatchSize = 64
	c.Workers = 1
	c.TopK = 5
	c.CacheTTL = time.Hour
	c.Auth.Enabled = false
	c.Auth.TokenTTL = 24 * time.Hour
	c.Dim = 0
	c.Location = "us-central1"
	c.Port = 8080
}
