// Package rediscache implements cache.Cache on a Redis server.
package rediscache

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rcliao/memcompact/internal/cache"
)

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64
}

// Cache talks to Redis through go-redis.
type Cache struct {
	rdb       *redis.Client
	scanCount int64
}

// New creates a client. Connections are established lazily, so an
// unreachable server surfaces as ErrCacheUnavailable on first use.
func New(opts Options) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = 500
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &Cache{rdb: rdb, scanCount: opts.ScanCount}
}

// Close releases the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

func unavailable(err error, op string, opts ...goerr.Option) error {
	return goerr.Wrap(errors.Join(cache.ErrCacheUnavailable, err), "redis "+op, opts...)
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "get", goerr.V("key", key))
	}
	return b, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return unavailable(err, "set", goerr.V("key", key))
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable(err, "del", goerr.V("key", key))
	}
	return nil
}

func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable(err, "pttl", goerr.V("key", key))
	}
	// go-redis passes the -1 (no expiry) and -2 (missing) replies through as
	// raw negative durations.
	if d <= 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (c *Cache) IdleTime(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.ObjectIdleTime(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err, "object idletime", goerr.V("key", key))
	}
	return d, nil
}

func (c *Cache) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", c.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err, "scan", goerr.V("prefix", prefix))
	}
	return keys, nil
}

func (c *Cache) MemoryUsage(ctx context.Context) (cache.Usage, error) {
	info, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return cache.Usage{}, unavailable(err, "info memory")
	}
	return parseMemoryInfo(info)
}

// parseMemoryInfo extracts used_memory and maxmemory from an INFO reply.
func parseMemoryInfo(info string) (cache.Usage, error) {
	var u cache.Usage
	var sawUsed bool
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		switch k {
		case "used_memory":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return u, goerr.Wrap(err, "parse used_memory", goerr.V("value", v))
			}
			u.Used, sawUsed = n, true
		case "maxmemory":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return u, goerr.Wrap(err, "parse maxmemory", goerr.V("value", v))
			}
			u.Max = n
		}
	}
	if !sawUsed {
		return u, goerr.New("used_memory missing from INFO reply")
	}
	return u, nil
}

func (c *Cache) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, cache.LockPrefix+name, token, ttl).Result()
	if err != nil {
		return false, unavailable(err, "setnx", goerr.V("lock", name))
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (c *Cache) ReleaseLock(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{cache.LockPrefix + name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err, "release lock", goerr.V("lock", name))
	}
	return nil
}

var (
	_ cache.Cache  = (*Cache)(nil)
	_ cache.Locker = (*Cache)(nil)
)
