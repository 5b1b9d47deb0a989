// Package search implements read-through similarity search over the chunk
// store with results cached by query text.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
)

const (
	DefaultTTL      = time.Hour
	DefaultTopK     = 5
	DefaultMinScore = 0.3
)

// Service answers similarity queries. Cache may be nil, in which case every
// query goes to the store.
type Service struct {
	Store    store.Store
	Cache    cache.Cache
	Embedder embedding.Embedder
	TTL      time.Duration
}

// Key returns the cache key for query: the prefix followed by the first 16
// hex characters of its SHA-256.
func Key(query string) string {
	sum := sha256.Sum256([]byte(query))
	return cache.SearchPrefix + hex.EncodeToString(sum[:])[:16]
}

// Search returns up to topK hits scoring at least minScore. Cached results
// are returned as stored; filtering happens once, before caching. Cache
// failures degrade to a miss.
func (s *Service) Search(ctx context.Context, query string, topK int, minScore float64) ([]model.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, goerr.New("empty query")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	logger := logging.From(ctx)
	key := Key(query)

	if hits, ok := s.cached(ctx, key); ok {
		logger.Debug("search cache hit", "key", key, "hits", len(hits))
		return hits, nil
	}

	if s.Embedder == nil {
		return nil, goerr.Wrap(embedding.ErrEmbeddingUnavailable, "no embedding provider configured")
	}
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "embed query")
	}
	rows, err := s.Store.QuerySimilar(ctx, vec, topK)
	if err != nil {
		return nil, goerr.Wrap(err, "query similar")
	}

	hits := make([]model.Hit, 0, len(rows))
	for _, r := range rows {
		if r.Score < minScore {
			continue
		}
		hits = append(hits, model.Hit{
			ID:        r.ID,
			SessionID: r.SessionID,
			Content:   r.Content,
			Summary:   r.Summary,
			Metadata:  r.Metadata,
			Score:     math.Round(r.Score*10000) / 10000,
		})
		if len(hits) == topK {
			break
		}
	}

	s.store(ctx, key, hits)
	return hits, nil
}

func (s *Service) cached(ctx context.Context, key string) ([]model.Hit, bool) {
	if s.Cache == nil {
		return nil, false
	}
	logger := logging.From(ctx)
	b, ok, err := cache.Load(ctx, s.Cache, key)
	if err != nil {
		logger.Warn("search cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var hits []model.Hit
	if err := json.Unmarshal(b, &hits); err != nil {
		logger.Warn("discarding malformed cached search result", "key", key, "error", err)
		return nil, false
	}
	return hits, true
}

func (s *Service) store(ctx context.Context, key string, hits []model.Hit) {
	if s.Cache == nil {
		return
	}
	b, err := json.Marshal(hits)
	if err != nil {
		logging.From(ctx).Warn("encode search result", "error", err)
		return
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := cache.Save(ctx, s.Cache, key, b, ttl); err != nil {
		logging.From(ctx).Warn("search cache write failed", "key", key, "error", err)
	}
}
