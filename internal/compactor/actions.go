package compactor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/codec"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/store"
)

var errNotList = errors.New("payload is not a JSON list")

// keys enumerates the primary namespace, falling back to the secondary one
// when the primary is empty, coldest first. Ties are ordered by key.
func (c *Compactor) keys(ctx context.Context, rep *Report) ([]string, error) {
	keys, err := c.cache.ScanPrefix(ctx, c.primary)
	if err != nil {
		return nil, goerr.Wrap(err, "scan keys", goerr.V("prefix", c.primary))
	}
	if len(keys) == 0 && c.fallback != "" {
		keys, err = c.cache.ScanPrefix(ctx, c.fallback)
		if err != nil {
			return nil, goerr.Wrap(err, "scan keys", goerr.V("prefix", c.fallback))
		}
	}

	idle := make(map[string]time.Duration, len(keys))
	for _, k := range keys {
		d, err := c.cache.IdleTime(ctx, k)
		if err != nil {
			logging.From(ctx).Warn("read idle time", "key", k, "error", err)
			rep.KeyErrors++
		}
		idle[k] = d
	}
	sort.Slice(keys, func(i, j int) bool {
		if idle[keys[i]] != idle[keys[j]] {
			return idle[keys[i]] > idle[keys[j]]
		}
		return keys[i] < keys[j]
	})
	rep.KeysScanned = len(keys)
	return keys, nil
}

// oldest returns how many keys a "share" tier touches: at least one.
func oldest(n, div int) int {
	if n == 0 {
		return 0
	}
	return max(1, n/div)
}

func (c *Compactor) tier1(ctx context.Context, rep *Report) error {
	keys, err := c.keys(ctx, rep)
	if err != nil {
		return err
	}
	return c.compressAll(ctx, keys[:oldest(len(keys), 5)], rep)
}

func (c *Compactor) tier2(ctx context.Context, rep *Report) error {
	keys, err := c.keys(ctx, rep)
	if err != nil {
		return err
	}
	n := oldest(len(keys), 2)
	if err := c.compressAll(ctx, keys[:n], rep); err != nil {
		return err
	}
	for _, k := range keys[n:] {
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "tier2 interrupted")
		}
		c.rewrite(ctx, k, rep, func(payload []byte, raw []byte) bool {
			return raw[0] == codec.MarkerPlain && len(payload) > RewriteMinBytes
		}, summarizeItems)
	}
	return nil
}

func (c *Compactor) tier3(ctx context.Context, rep *Report) error {
	keys, err := c.keys(ctx, rep)
	if err != nil {
		return err
	}
	if err := c.compressAll(ctx, keys, rep); err != nil {
		return err
	}
	if c.store == nil {
		rep.StoreError = "no store configured"
		return nil
	}
	// Rows without a summary keep their content so every row still has text.
	n, err := c.store.ClearContent(ctx, store.Filter{HasSummary: true})
	if err != nil {
		logging.From(ctx).Error("clear content failed", "error", err)
		rep.StoreError = err.Error()
		return nil
	}
	rep.RowsCleared = n
	return nil
}

func (c *Compactor) tier4(ctx context.Context, rep *Report) error {
	keys, err := c.keys(ctx, rep)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "tier4 interrupted")
		}
		c.rewrite(ctx, k, rep, func([]byte, []byte) bool { return true }, reduceItems)
	}
	return nil
}

func (c *Compactor) tier5(ctx context.Context, rep *Report) error {
	logger := logging.From(ctx)
	switch {
	case c.store == nil:
		rep.StoreError = "no store configured"
	default:
		ids, err := c.store.LowestImportance(ctx, EvictFraction)
		if err == nil {
			rep.RowsEvicted, err = c.store.DeleteIDs(ctx, ids)
		}
		if err != nil {
			logger.Error("evict rows failed", "error", err)
			rep.StoreError = err.Error()
		}
	}

	// Cached entries of both namespaces may reference evicted rows.
	for _, prefix := range []string{c.primary, c.fallback} {
		if prefix == "" {
			continue
		}
		keys, err := c.cache.ScanPrefix(ctx, prefix)
		if err != nil {
			return goerr.Wrap(err, "scan keys", goerr.V("prefix", prefix))
		}
		rep.KeysScanned += len(keys)
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return goerr.Wrap(err, "tier5 interrupted")
			}
			if err := c.cache.Delete(ctx, k); err != nil {
				logger.Warn("delete key", "key", k, "error", err)
				rep.KeyErrors++
				continue
			}
			rep.KeysDeleted++
		}
	}
	return nil
}

func (c *Compactor) compressAll(ctx context.Context, keys []string, rep *Report) error {
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "compaction interrupted")
		}
		raw, ttl, ok, err := c.read(ctx, k)
		if err != nil {
			logging.From(ctx).Warn("read key", "key", k, "error", err)
			rep.KeyErrors++
			continue
		}
		if !ok {
			continue
		}
		c.compressRaw(ctx, k, raw, ttl, rep)
	}
	return nil
}

// read returns the raw envelope and remaining TTL (0 for none).
func (c *Compactor) read(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	ttl, _, err := c.cache.TTL(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok || len(raw) == 0 {
		return nil, 0, false, err
	}
	return raw, ttl, true, nil
}

// compressRaw rewrites a plain envelope compressed, even when that adds a
// few bytes to a short value. Values already compressed are left alone.
func (c *Compactor) compressRaw(ctx context.Context, key string, raw []byte, ttl time.Duration, rep *Report) {
	if codec.IsCompressed(raw) {
		return
	}
	out, err := codec.Compress(raw)
	if err != nil {
		logging.From(ctx).Warn("compress key", "key", key, "error", err)
		rep.KeyErrors++
		return
	}
	if err := c.cache.Set(ctx, key, out, ttl); err != nil {
		logging.From(ctx).Warn("write key", "key", key, "error", err)
		rep.KeyErrors++
		return
	}
	rep.KeysCompressed++
}

// rewrite decodes key, applies transform when want says so, and stores the
// result compressed. A payload transform cannot handle is compressed as is.
func (c *Compactor) rewrite(ctx context.Context, key string, rep *Report,
	want func(payload, raw []byte) bool, transform func([]byte) ([]byte, error)) {
	logger := logging.From(ctx)

	raw, ttl, ok, err := c.read(ctx, key)
	if err != nil {
		logger.Warn("read key", "key", key, "error", err)
		rep.KeyErrors++
		return
	}
	if !ok {
		return
	}
	payload, err := codec.Decode(raw)
	if err != nil {
		logger.Warn("decode key", "key", key, "error", err)
		rep.KeyErrors++
		return
	}
	if !want(payload, raw) {
		return
	}

	reduced, err := transform(payload)
	if err != nil {
		logger.Debug("payload not reducible, compressing as is", "key", key, "error", err)
		c.compressRaw(ctx, key, raw, ttl, rep)
		return
	}
	out := codec.CompressRaw(reduced)
	if len(out) >= len(raw) {
		c.compressRaw(ctx, key, raw, ttl, rep)
		return
	}
	if err := c.cache.Set(ctx, key, out, ttl); err != nil {
		logger.Warn("write key", "key", key, "error", err)
		rep.KeyErrors++
		return
	}
	rep.KeysRewritten++
}

func decodeList(payload []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errNotList
	}
	return list, nil
}

// summarizeItems replaces each item's content with its summary, or with a
// prefix of the content when the item has no summary.
func summarizeItems(payload []byte) ([]byte, error) {
	list, err := decodeList(payload)
	if err != nil {
		return nil, err
	}
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		content, ok := m["content"].(string)
		if !ok {
			continue
		}
		if s, _ := m["summary"].(string); s != "" {
			m["content"] = s
			continue
		}
		if r := []rune(content); len(r) > PrefixRunes {
			m["content"] = string(r[:PrefixRunes])
		}
	}
	return json.Marshal(list)
}

// reduceItems keeps only id, score and session_id of each object item.
// Other item kinds are dropped.
func reduceItems(payload []byte) ([]byte, error) {
	list, err := decodeList(payload)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"id":         m["id"],
			"score":      m["score"],
			"session_id": m["session_id"],
		})
	}
	return json.Marshal(out)
}
