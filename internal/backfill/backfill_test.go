package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
)

type fakeEmbedder struct {
	fail  map[string]bool
	calls []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls = append(e.calls, text)
	if e.fail[text] {
		return nil, errors.Join(embedding.ErrEmbeddingUnavailable, errors.New("boom"))
	}
	return []float32{float32(len(text)), 1}, nil
}

func (e *fakeEmbedder) Dims() int { return 2 }

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 2, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRun_FillsMissingVectors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, txt := range []string{"a", "bb", "ccc", "dddd", "eeeee"} {
		_, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: txt})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Summary: "only summary"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, model.Chunk{SessionID: "s1", Content: "done", Vector: []float32{1, 1}})
	require.NoError(t, err)

	emb := &fakeEmbedder{}
	res, err := New(s, emb, WithBatchSize(2)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Updated)
	assert.Zero(t, res.Failed)
	assert.Contains(t, emb.calls, "only summary")
	assert.NotContains(t, emb.calls, "done")

	n, err := s.Count(ctx, store.Filter{MissingVector: true})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_FailedRowDoesNotAbortOrLoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, txt := range []string{"ok1", "bad", "ok2"} {
		_, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: txt})
		require.NoError(t, err)
	}

	emb := &fakeEmbedder{fail: map[string]bool{"bad": true}}
	res, err := New(s, emb, WithBatchSize(1)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"ok1", "bad", "ok2"}, emb.calls)

	rows, err := s.List(ctx, store.Filter{MissingVector: true}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bad", rows[0].Content)
}

func TestRun_EmptyStore(t *testing.T) {
	res, err := New(newStore(t), &fakeEmbedder{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Duration: res.Duration}, *res)
}

func TestRun_NoEmbedder(t *testing.T) {
	_, err := New(newStore(t), nil).Run(context.Background())
	assert.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)
}

func TestRun_RateLimited(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, txt := range []string{"a", "b"} {
		_, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: txt})
		require.NoError(t, err)
	}
	res, err := New(s, &fakeEmbedder{}, WithRate(1000)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
}
