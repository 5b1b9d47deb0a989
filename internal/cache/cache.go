// Package cache defines the key/value cache contract used for search results
// and session scratch space, plus helpers that route payloads through the
// value codec.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/codec"
)

// ErrCacheUnavailable wraps connection and timeout failures of a backend.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Key namespaces.
const (
	SearchPrefix  = "vsearch:"
	SessionPrefix = "mem:session:"
	LockPrefix    = "memcompact:lock:"
)

// SessionSummaryKey is where the latest summary of a session is mirrored.
func SessionSummaryKey(sessionID string) string {
	return SessionPrefix + sessionID + ":summary"
}

// Usage is a memory usage snapshot of the cache server.
type Usage struct {
	Used int64 `json:"used_bytes"`
	Max  int64 `json:"max_bytes"` // 0 means unbounded or unknown
}

// Ratio returns Used/Max, or 0 when Max is unknown.
func (u Usage) Ratio() float64 {
	if u.Max <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Max)
}

// Cache stores raw (already encoded) byte values.
type Cache interface {
	// Get returns the stored bytes; ok is false for a missing key.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Set stores val. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining time to live; ok is false when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	// IdleTime returns the time since the key was last read or written.
	IdleTime(ctx context.Context, key string) (time.Duration, error)
	// ScanPrefix lists keys starting with prefix. The result is a best-effort
	// snapshot.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	MemoryUsage(ctx context.Context) (Usage, error)
}

// Locker is a lease lock with compare-and-delete release.
type Locker interface {
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Load reads key and decodes the envelope.
func Load(ctx context.Context, c Cache, key string) ([]byte, bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := codec.Decode(raw)
	if err != nil {
		return nil, false, goerr.Wrap(err, "decode cached value", goerr.V("key", key))
	}
	return b, true, nil
}

// Save encodes payload and stores it under key.
func Save(ctx context.Context, c Cache, key string, payload []byte, ttl time.Duration) error {
	return c.Set(ctx, key, codec.Encode(payload), ttl)
}
