package compactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/cache/memcache"
	"github.com/rcliao/memcompact/internal/codec"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func fixedUsage(ratio float64) memcache.Option {
	return memcache.WithUsage(func() (cache.Usage, error) {
		return cache.Usage{Used: int64(ratio * 1000), Max: 1000}, nil
	})
}

func newCache(opts ...memcache.Option) (*memcache.Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return memcache.New(append([]memcache.Option{memcache.WithClock(clk.Now)}, opts...)...), clk
}

// hitsPayload is a ~600 byte JSON list that compresses well.
func hitsPayload(i int) []byte {
	hits := []model.Hit{
		{ID: int64(i*10 + 1), SessionID: "s1", Content: strings.Repeat("deploy pipeline step ", 12), Summary: "deploy notes", Score: 0.91},
		{ID: int64(i*10 + 2), SessionID: "s1", Content: strings.Repeat("rollback plan detail ", 12), Score: 0.55},
	}
	b, _ := json.Marshal(hits)
	return b
}

// seedKeys writes n session keys one minute apart, so key 0 is the coldest.
func seedKeys(t *testing.T, c *memcache.Cache, clk *fakeClock, n int) []string {
	t.Helper()
	var keys []string
	for i := range n {
		k := cache.SessionSummaryKey(fmt.Sprintf("s%02d", i))
		require.NoError(t, cache.Save(context.Background(), c, k, hitsPayload(i), time.Hour))
		keys = append(keys, k)
		clk.Advance(time.Minute)
	}
	return keys
}

func raw(t *testing.T, c cache.Cache, key string) []byte {
	t.Helper()
	b, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, key)
	return b
}

func snapshot(t *testing.T, c *memcache.Cache, keys []string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for _, k := range keys {
		out[k] = raw(t, c, k)
	}
	return out
}

func compressedKeys(t *testing.T, c *memcache.Cache, keys []string) map[string]bool {
	t.Helper()
	out := map[string]bool{}
	for _, k := range keys {
		if codec.IsCompressed(raw(t, c, k)) {
			out[k] = true
		}
	}
	return out
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 2, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSelectTier(t *testing.T) {
	tests := []struct {
		ratio float64
		want  Tier
	}{
		{0, TierNone},
		{0.59, TierNone},
		{0.60, Tier1},
		{0.65, Tier1},
		{0.70, Tier2},
		{0.85, Tier3},
		{0.90, Tier4},
		{0.949, Tier4},
		{0.95, Tier5},
		{1.3, Tier5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectTier(tt.ratio, DefaultThresholds), "ratio %v", tt.ratio)
	}

	custom := Thresholds{0.1, 0.2, 0.3, 0.4, 0.5}
	assert.Equal(t, Tier3, SelectTier(0.35, custom))
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"tier1": Tier1, "TIER5": Tier5, "3": Tier3, "none": TierNone} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"tier0", "tier6", "hot"} {
		_, err := ParseTier(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "tier2", Tier2.String())
	assert.Equal(t, "none", TierNone.String())
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds.Validate())
	assert.Error(t, Thresholds{0.6, 0.5, 0.8, 0.9, 0.95}.Validate())
	assert.Error(t, Thresholds{0.6, 0.7, 0.8, 0.9, 1.5}.Validate())
}

func TestTier1_OldestFifthCompressed(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(fixedUsage(0.65))
	keys := seedKeys(t, c, clk, 10)
	before := snapshot(t, c, keys)
	clk.Advance(time.Minute)

	cp := New(c, nil)
	tier, ratio, err := cp.CurrentTier(ctx)
	require.NoError(t, err)
	assert.Equal(t, Tier1, tier)
	assert.InDelta(t, 0.65, ratio, 1e-9)

	rep, err := cp.Compact(ctx, Tier1)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.KeysScanned)
	assert.Equal(t, 2, rep.KeysCompressed)

	for i, k := range keys {
		got := raw(t, c, k)
		if i < 2 {
			assert.Equal(t, codec.MarkerCompressed, got[0], k)
			payload, err := codec.Decode(got)
			require.NoError(t, err)
			assert.Equal(t, hitsPayload(i), payload)
			continue
		}
		assert.Equal(t, before[k], got, k)
	}
}

func TestRun_SelectsAndExecutesTier(t *testing.T) {
	c, clk := newCache(fixedUsage(0.65))
	keys := seedKeys(t, c, clk, 10)

	rep, err := New(c, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tier1, rep.Tier)
	assert.Empty(t, rep.Skipped)
	assert.NotEmpty(t, rep.RunID)
	assert.Len(t, compressedKeys(t, c, keys), 2)
}

func TestCompressPreservesTTL(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	k := cache.SessionSummaryKey("a")
	require.NoError(t, cache.Save(ctx, c, k, hitsPayload(0), time.Hour))
	clk.Advance(10 * time.Minute)

	_, err := New(c, nil).Compact(ctx, Tier1)
	require.NoError(t, err)

	ttl, ok, err := c.TTL(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, ttl)
}

func TestTier1_TwiceDoesNotGrow(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(memcache.WithMaxBytes(1 << 20))
	keys := seedKeys(t, c, clk, 10)
	cp := New(c, nil)

	_, err := cp.Compact(ctx, Tier1)
	require.NoError(t, err)
	used1 := c.UsedBytes()
	set1 := compressedKeys(t, c, keys)

	_, err = cp.Compact(ctx, Tier1)
	require.NoError(t, err)
	used2 := c.UsedBytes()
	set2 := compressedKeys(t, c, keys)

	assert.LessOrEqual(t, used2, used1)
	for k := range set1 {
		assert.True(t, set2[k], k)
	}
}

func TestTier1_SmallPayloadGetsCompressedMarker(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache()
	k := cache.SessionSummaryKey("tiny")
	require.NoError(t, cache.Save(ctx, c, k, []byte(`"ok"`), time.Hour))

	rep, err := New(c, nil).Compact(ctx, Tier1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.KeysCompressed)

	got := raw(t, c, k)
	assert.Equal(t, codec.MarkerCompressed, got[0])
	payload, err := codec.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(payload))
}

func TestTier3_ShortSummariesAllCompressed(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	var keys []string
	for i := range 5 {
		k := cache.SessionSummaryKey(fmt.Sprintf("short%d", i))
		require.NoError(t, cache.Save(ctx, c, k, []byte(fmt.Sprintf("session %d went fine", i)), time.Hour))
		keys = append(keys, k)
		clk.Advance(time.Minute)
	}

	rep, err := New(c, nil).Compact(ctx, Tier3)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.KeysCompressed)
	assert.Len(t, compressedKeys(t, c, keys), 5)

	_, err = New(c, nil).Compact(ctx, Tier3)
	require.NoError(t, err)
	assert.Len(t, compressedKeys(t, c, keys), 5)
}

func TestEnumerationFallsBackToSearchPrefix(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache()
	k := cache.SearchPrefix + "0123456789abcdef"
	require.NoError(t, cache.Save(ctx, c, k, hitsPayload(0), time.Hour))

	rep, err := New(c, nil).Compact(ctx, Tier1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.KeysScanned)
	assert.True(t, codec.IsCompressed(raw(t, c, k)))
}

func TestTier2_RewritesLargePlainLists(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	keys := seedKeys(t, c, clk, 2)

	big := cache.SessionSummaryKey("big")
	require.NoError(t, cache.Save(ctx, c, big, hitsPayload(7), time.Hour))
	clk.Advance(time.Minute)
	small := cache.SessionSummaryKey("small")
	require.NoError(t, cache.Save(ctx, c, small, []byte(`[{"id":1,"content":"short"}]`), time.Hour))
	clk.Advance(time.Minute)
	text := cache.SessionSummaryKey("text")
	require.NoError(t, cache.Save(ctx, c, text, []byte(strings.Repeat("not json ", 80)), time.Hour))
	clk.Advance(time.Minute)
	smallBefore := raw(t, c, small)

	rep, err := New(c, nil).Compact(ctx, Tier2)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.KeysScanned)
	assert.Equal(t, 1, rep.KeysRewritten)

	for _, k := range keys {
		assert.True(t, codec.IsCompressed(raw(t, c, k)), k)
	}

	payload, err := codec.Decode(raw(t, c, big))
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(payload, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "deploy notes", items[0]["content"])
	assert.Len(t, []rune(items[1]["content"].(string)), PrefixRunes)
	assert.Equal(t, "s1", items[1]["session_id"])

	assert.Equal(t, smallBefore, raw(t, c, small))
	assert.True(t, codec.IsCompressed(raw(t, c, text)))
}

func TestTier3_CompressesAllAndClearsContent(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	keys := seedKeys(t, c, clk, 4)
	s := newStore(t)
	withSummary, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: "raw tokens", Summary: "gist"})
	require.NoError(t, err)
	contentOnly, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: "only raw"})
	require.NoError(t, err)

	rep, err := New(c, s).Compact(ctx, Tier3)
	require.NoError(t, err)
	assert.Len(t, compressedKeys(t, c, keys), 4)
	assert.EqualValues(t, 1, rep.RowsCleared)
	assert.Empty(t, rep.StoreError)

	got, err := s.Get(ctx, withSummary)
	require.NoError(t, err)
	assert.Empty(t, got.Content)
	assert.Equal(t, "gist", got.Summary)

	got, err = s.Get(ctx, contentOnly)
	require.NoError(t, err)
	assert.Equal(t, "only raw", got.Content)
}

type brokenStore struct{ store.Store }

func (brokenStore) ClearContent(context.Context, store.Filter) (int64, error) {
	return 0, errors.Join(store.ErrStoreUnavailable, errors.New("connection reset"))
}

func (brokenStore) LowestImportance(context.Context, float64) ([]int64, error) {
	return nil, errors.Join(store.ErrStoreUnavailable, errors.New("connection reset"))
}

func TestTier3_StoreFailureKeepsCacheWork(t *testing.T) {
	c, clk := newCache()
	keys := seedKeys(t, c, clk, 3)

	rep, err := New(c, brokenStore{}).Compact(context.Background(), Tier3)
	require.NoError(t, err)
	assert.Contains(t, rep.StoreError, "store unavailable")
	assert.Len(t, compressedKeys(t, c, keys), 3)
}

func TestTier4_ReducesListItems(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	plain := cache.SessionSummaryKey("plain")
	require.NoError(t, cache.Save(ctx, c, plain, hitsPayload(1), time.Hour))
	clk.Advance(time.Minute)
	packed := cache.SessionSummaryKey("packed")
	require.NoError(t, c.Set(ctx, packed, codec.CompressRaw(hitsPayload(2)), time.Hour))
	clk.Advance(time.Minute)
	mixed := cache.SessionSummaryKey("mixed")
	require.NoError(t, cache.Save(ctx, c, mixed,
		[]byte(`[{"id":9007199254740993,"content":"`+strings.Repeat("x", 600)+`"}, "stray", 4]`), time.Hour))
	clk.Advance(time.Minute)
	object := cache.SessionSummaryKey("object")
	require.NoError(t, cache.Save(ctx, c, object, []byte(`{"note":"`+strings.Repeat("y", 700)+`"}`), time.Hour))

	rep, err := New(c, nil).Compact(ctx, Tier4)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.KeysRewritten)
	assert.Equal(t, 1, rep.KeysCompressed)

	payload, err := codec.Decode(raw(t, c, plain))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":11,"score":0.91,"session_id":"s1"},{"id":12,"score":0.55,"session_id":"s1"}]`, string(payload))

	payload, err = codec.Decode(raw(t, c, packed))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":21,"score":0.91,"session_id":"s1"},{"id":22,"score":0.55,"session_id":"s1"}]`, string(payload))

	payload, err = codec.Decode(raw(t, c, mixed))
	require.NoError(t, err)
	assert.Equal(t, `[{"id":9007199254740993,"score":null,"session_id":null}]`, string(payload))

	assert.True(t, codec.IsCompressed(raw(t, c, object)))
	payload, err = codec.Decode(raw(t, c, object))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"note"`)
}

func TestTier5_EvictsLowestImportanceAndFlushes(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	seedKeys(t, c, clk, 3)
	require.NoError(t, cache.Save(ctx, c, cache.SearchPrefix+"aaaaaaaaaaaaaaaa", []byte("[]"), time.Hour))

	s := newStore(t)
	var ids []int64
	for i := 1; i <= 10; i++ {
		meta := model.Metadata{Importance: model.Float(float64(i) / 10)}
		if i == 7 {
			meta = model.Metadata{}
		}
		id, err := s.Insert(ctx, model.Chunk{SessionID: "s1", Content: "x", Metadata: meta})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	rep, err := New(c, s).Compact(ctx, Tier5)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rep.RowsEvicted)
	assert.Equal(t, 4, rep.KeysDeleted)

	for _, gone := range []int64{ids[6], ids[0], ids[1]} {
		_, err := s.Get(ctx, gone)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	n, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, p := range []string{cache.SessionPrefix, cache.SearchPrefix} {
		left, err := c.ScanPrefix(ctx, p)
		require.NoError(t, err)
		assert.Empty(t, left, p)
	}

	// a second run evicts from what is left
	rep, err = New(c, s).Compact(ctx, Tier5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rep.RowsEvicted)
}

func TestTier5_StoreFailureStillFlushes(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache()
	seedKeys(t, c, clk, 2)

	rep, err := New(c, brokenStore{}).Compact(ctx, Tier5)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.StoreError)
	assert.Equal(t, 2, rep.KeysDeleted)
}

func TestRun_UsageUnavailableIsNoop(t *testing.T) {
	c, clk := newCache(memcache.WithUsage(func() (cache.Usage, error) {
		return cache.Usage{}, cache.ErrCacheUnavailable
	}))
	keys := seedKeys(t, c, clk, 5)
	before := snapshot(t, c, keys)

	rep, err := New(c, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierNone, rep.Tier)
	assert.NotEmpty(t, rep.Skipped)
	assert.Equal(t, before, snapshot(t, c, keys))
}

func TestRun_BelowThresholdIsNoop(t *testing.T) {
	c, clk := newCache(fixedUsage(0.3))
	keys := seedKeys(t, c, clk, 5)
	before := snapshot(t, c, keys)

	rep, err := New(c, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierNone, rep.Tier)
	assert.Empty(t, rep.Skipped)
	assert.Equal(t, before, snapshot(t, c, keys))
}

func TestRun_UnboundedCacheIsNoop(t *testing.T) {
	c, clk := newCache()
	seedKeys(t, c, clk, 3)

	rep, err := New(c, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierNone, rep.Tier)
	assert.Zero(t, rep.RatioBefore)
}

func TestLockHeldSkips(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(fixedUsage(0.99))
	keys := seedKeys(t, c, clk, 5)
	before := snapshot(t, c, keys)

	ok, err := c.AcquireLock(ctx, LockName, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cp := New(c, nil)
	rep, err := cp.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "another compaction is running", rep.Skipped)

	rep, err = cp.Compact(ctx, Tier1)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Skipped)
	assert.Equal(t, before, snapshot(t, c, keys))

	require.NoError(t, c.ReleaseLock(ctx, LockName, "someone-else"))
	rep, err = cp.Compact(ctx, Tier1)
	require.NoError(t, err)
	assert.Empty(t, rep.Skipped)
	assert.Equal(t, 1, rep.KeysCompressed)

	// released after the run
	ok, err = c.AcquireLock(ctx, LockName, "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelledContextLeavesKeys(t *testing.T) {
	c, clk := newCache()
	keys := seedKeys(t, c, clk, 5)
	before := snapshot(t, c, keys)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(c, nil).Compact(ctx, Tier3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, snapshot(t, c, keys))
}

func TestCompactRejectsTierNone(t *testing.T) {
	c, _ := newCache()
	_, err := New(c, nil).Compact(context.Background(), TierNone)
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	c, clk := newCache(fixedUsage(0.65))
	seedKeys(t, c, clk, 10)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	_, err := New(c, nil, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeysCompressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("tier1")))
	assert.InDelta(t, 0.65, testutil.ToFloat64(m.UsageRatio), 1e-9)
}

func TestReportJSON(t *testing.T) {
	b, err := json.Marshal(&Report{RunID: "r", Tier: Tier3})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tier":"tier3"`)
	assert.NotContains(t, string(b), "usageKnown")
}
