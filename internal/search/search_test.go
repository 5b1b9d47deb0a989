package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/cache/memcache"
	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
)

type countingEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (e *countingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	return e.vec, e.err
}

func (e *countingEmbedder) Dims() int { return len(e.vec) }

type downCache struct{ cache.Cache }

func (downCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, cache.ErrCacheUnavailable
}

func (downCache) Set(context.Context, string, []byte, time.Duration) error {
	return cache.ErrCacheUnavailable
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 2, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed stores one row scoring 0.5 and one scoring 0.2 against [1, 0].
func seed(t *testing.T, s store.Store) (high, low int64) {
	t.Helper()
	ctx := context.Background()
	high, err := s.Insert(ctx, model.Chunk{
		SessionID: "s1", Content: "deploy pipeline runbook",
		Vector: []float32{0.5, float32(math.Sqrt(0.75))},
	})
	require.NoError(t, err)
	low, err = s.Insert(ctx, model.Chunk{
		SessionID: "s1", Content: "lunch order",
		Vector: []float32{0.2, float32(math.Sqrt(0.96))},
	})
	require.NoError(t, err)
	return high, low
}

func TestSearch_FiltersOnceAndServesFromCache(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	high, _ := seed(t, st)
	emb := &countingEmbedder{vec: []float32{1, 0}}
	mc := memcache.New()
	svc := &Service{Store: st, Cache: mc, Embedder: emb}

	hits, err := svc.Search(ctx, "deploy pipeline", 5, 0.3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, high, hits[0].ID)
	assert.InDelta(t, 0.5, hits[0].Score, 1e-4)
	assert.Equal(t, "deploy pipeline runbook", hits[0].Text())
	assert.Equal(t, 1, emb.calls)

	raw, ok, err := mc.Get(ctx, Key("deploy pipeline"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, raw)

	again, err := svc.Search(ctx, "deploy pipeline", 5, 0.3)
	require.NoError(t, err)
	assert.Equal(t, hits, again)
	assert.Equal(t, 1, emb.calls)
}

func TestSearch_CacheHitIsNotRefiltered(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	emb := &countingEmbedder{vec: []float32{1, 0}}
	svc := &Service{Store: st, Cache: memcache.New(), Embedder: emb}

	first, err := svc.Search(ctx, "deploy pipeline", 5, 0.1)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// The key ignores min_score, so a stricter threshold still gets the
	// cached list as written.
	second, err := svc.Search(ctx, "deploy pipeline", 5, 0.9)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, 1, emb.calls)
}

func TestSearch_TopK(t *testing.T) {
	st := newStore(t)
	high, _ := seed(t, st)
	svc := &Service{Store: st, Embedder: &countingEmbedder{vec: []float32{1, 0}}}

	hits, err := svc.Search(context.Background(), "deploy", 1, -1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, high, hits[0].ID)
}

func TestSearch_CacheUnavailableDegradesToMiss(t *testing.T) {
	st := newStore(t)
	seed(t, st)
	emb := &countingEmbedder{vec: []float32{1, 0}}
	svc := &Service{Store: st, Cache: downCache{}, Embedder: emb}

	for range 2 {
		hits, err := svc.Search(context.Background(), "deploy pipeline", 5, 0.3)
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	}
	assert.Equal(t, 2, emb.calls)
}

func TestSearch_MalformedCacheEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seed(t, st)
	mc := memcache.New()
	require.NoError(t, mc.Set(ctx, Key("deploy pipeline"), []byte{0x07, 'x'}, time.Hour))
	emb := &countingEmbedder{vec: []float32{1, 0}}
	svc := &Service{Store: st, Cache: mc, Embedder: emb}

	hits, err := svc.Search(ctx, "deploy pipeline", 5, 0.3)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, emb.calls)

	// rewritten with a valid envelope
	b, ok, err := cache.Load(ctx, mc, Key("deploy pipeline"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(b), "["))
}

func TestSearch_EmbeddingErrorPropagates(t *testing.T) {
	st := newStore(t)
	emb := &countingEmbedder{err: errors.Join(embedding.ErrEmbeddingUnavailable, errors.New("connection refused"))}
	svc := &Service{Store: st, Cache: memcache.New(), Embedder: emb}

	_, err := svc.Search(context.Background(), "deploy pipeline", 5, 0.3)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)

	svc.Embedder = nil
	_, err = svc.Search(context.Background(), "deploy pipeline", 5, 0.3)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)
}

func TestKey(t *testing.T) {
	k := Key("deploy pipeline")
	assert.True(t, strings.HasPrefix(k, cache.SearchPrefix))
	assert.Len(t, k, len(cache.SearchPrefix)+16)
	assert.Equal(t, k, Key("deploy pipeline"))
	assert.NotEqual(t, k, Key("deploy pipelines"))
}
