package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/csvrag/pkg/models"
)

// KeyPrefix namespaces every cached answer.
const KeyPrefix = "csvrag:answer:"

// DefaultTTL applies when no TTL is configured.
const DefaultTTL = time.Hour

// RedisCache stores answers in Redis as JSON.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New connects to the Redis server at url (redis://[:password@]host:port/db) and pings it.
func New(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl, prefix: KeyPrefix}
}

// Key derives a cache key for a question asked with k results against the index built at builtAt.
// Questions differing only in surrounding whitespace share a key.
func Key(question string, k int, builtAt time.Time) string {
	raw := strings.TrimSpace(question) + "\x00" + strconv.Itoa(k) + "\x00" + builtAt.UTC().Format(time.RFC3339Nano)
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Get returns the cached answer for key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*models.Answer, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		log.Debug().Str("key", key).Msg("cache miss")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a models.Answer
	if err := json.Unmarshal(data, &a); err != nil {
		// drop the corrupt entry
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return nil, fmt.Errorf("decode cached answer: %w", err)
	}
	log.Debug().Str("key", key).Msg("cache hit")
	return &a, nil
}

// Set stores answer under key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, answer *models.Answer) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// Clear deletes every cached answer.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("failed to delete cache key")
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return err
	}
	log.Info().Int("deleted", deleted).Msg("cleared answer cache")
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
