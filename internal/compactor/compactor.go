// Package compactor degrades cached and stored memory in escalating tiers as
// cache memory pressure rises.
//
// The compactor holds no state between invocations: each Run reads the cache
// usage ratio, selects exactly one tier and executes that tier's action.
package compactor

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/store"
)

const (
	// LockName is the lease name shared by every compactor process.
	LockName       = "compactor"
	DefaultLockTTL = 10 * time.Minute

	// EvictFraction is the share of rows tier5 deletes.
	EvictFraction = 0.30
	// RewriteMinBytes is the plain payload size above which tier2 rewrites.
	RewriteMinBytes = 500
	// PrefixRunes is how much content tier2 keeps for items without a summary.
	PrefixRunes = 200
)

// Report describes one invocation.
type Report struct {
	RunID          string  `json:"run_id"`
	Tier           Tier    `json:"tier"`
	RatioBefore    float64 `json:"ratio_before"`
	RatioAfter     float64 `json:"ratio_after"`
	KeysScanned    int     `json:"keys_scanned"`
	KeysCompressed int     `json:"keys_compressed"`
	KeysRewritten  int     `json:"keys_rewritten"`
	KeysDeleted    int     `json:"keys_deleted"`
	KeyErrors      int     `json:"key_errors"`
	RowsCleared    int64   `json:"rows_cleared"`
	RowsEvicted    int64   `json:"rows_evicted"`
	StoreError     string  `json:"store_error,omitempty"`
	Skipped        string  `json:"skipped,omitempty"`
	DurationMS     int64   `json:"duration_ms"`

	usageKnown bool
}

// Compactor runs the tier actions against a cache and a store.
type Compactor struct {
	cache      cache.Cache
	store      store.Store
	thresholds Thresholds
	lockTTL    time.Duration
	primary    string
	fallback   string
	metrics    *Metrics
}

// Option configures a Compactor.
type Option func(*Compactor)

func WithThresholds(th Thresholds) Option {
	return func(c *Compactor) { c.thresholds = th }
}

func WithLockTTL(d time.Duration) Option {
	return func(c *Compactor) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithPrefixes overrides the primary and fallback key namespaces.
func WithPrefixes(primary, fallback string) Option {
	return func(c *Compactor) { c.primary, c.fallback = primary, fallback }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

// New creates a Compactor. s may be nil, in which case the store-side steps
// of tier3 and tier5 are recorded as failed.
func New(c cache.Cache, s store.Store, opts ...Option) *Compactor {
	cp := &Compactor{
		cache:      c,
		store:      s,
		thresholds: DefaultThresholds,
		lockTTL:    DefaultLockTTL,
		primary:    cache.SessionPrefix,
		fallback:   cache.SearchPrefix,
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// Thresholds returns the active escalation table.
func (c *Compactor) Thresholds() Thresholds { return c.thresholds }

// Usage returns the cache memory usage.
func (c *Compactor) Usage(ctx context.Context) (cache.Usage, error) {
	u, err := c.cache.MemoryUsage(ctx)
	if err != nil {
		return u, goerr.Wrap(err, "read cache memory usage")
	}
	return u, nil
}

// CurrentTier returns the tier the current usage ratio selects.
func (c *Compactor) CurrentTier(ctx context.Context) (Tier, float64, error) {
	u, err := c.Usage(ctx)
	if err != nil {
		return TierNone, 0, err
	}
	r := u.Ratio()
	return SelectTier(r, c.thresholds), r, nil
}

// Run selects the tier for the current usage and executes it. When usage
// cannot be read there is nothing to decide on: Run logs and returns a
// skipped report with a nil error.
func (c *Compactor) Run(ctx context.Context) (*Report, error) {
	logger := logging.From(ctx)
	rep := c.newReport()
	start := time.Now()
	defer func() { c.finish(rep, start) }()

	tier, ratio, err := c.CurrentTier(ctx)
	if err != nil {
		logger.Warn("cache usage unavailable, skipping compaction", "error", err)
		rep.Skipped = "cache usage unavailable"
		return rep, nil
	}
	rep.Tier, rep.RatioBefore, rep.RatioAfter, rep.usageKnown = tier, ratio, ratio, true
	if tier == TierNone {
		logger.Debug("usage below every threshold", "ratio", ratio)
		return rep, nil
	}

	release, ok, err := c.lock(ctx)
	if err != nil {
		logger.Warn("compaction lock unavailable, skipping", "error", err)
		rep.Skipped = "lock unavailable"
		return rep, nil
	}
	if !ok {
		rep.Skipped = "another compaction is running"
		return rep, nil
	}
	defer release()

	return rep, c.execute(ctx, tier, rep)
}

// Compact executes the action of one tier regardless of the current usage.
func (c *Compactor) Compact(ctx context.Context, tier Tier) (*Report, error) {
	if tier < Tier1 || tier > Tier5 {
		return nil, goerr.New("tier out of range", goerr.V("tier", int(tier)))
	}
	rep := c.newReport()
	rep.Tier = tier
	start := time.Now()
	defer func() { c.finish(rep, start) }()

	if u, err := c.cache.MemoryUsage(ctx); err == nil {
		rep.RatioBefore, rep.RatioAfter, rep.usageKnown = u.Ratio(), u.Ratio(), true
	}

	release, ok, err := c.lock(ctx)
	if err != nil {
		return rep, goerr.Wrap(err, "acquire compaction lock")
	}
	if !ok {
		rep.Skipped = "another compaction is running"
		return rep, nil
	}
	defer release()

	return rep, c.execute(ctx, tier, rep)
}

func (c *Compactor) newReport() *Report {
	return &Report{RunID: ulid.Make().String()}
}

func (c *Compactor) execute(ctx context.Context, tier Tier, rep *Report) error {
	logger := logging.From(ctx).With("run_id", rep.RunID, "tier", tier.String())
	ctx = logging.With(ctx, logger)
	logger.Info("compaction started", "ratio", rep.RatioBefore)

	var err error
	switch tier {
	case Tier1:
		err = c.tier1(ctx, rep)
	case Tier2:
		err = c.tier2(ctx, rep)
	case Tier3:
		err = c.tier3(ctx, rep)
	case Tier4:
		err = c.tier4(ctx, rep)
	case Tier5:
		err = c.tier5(ctx, rep)
	}

	if u, uerr := c.cache.MemoryUsage(ctx); uerr == nil {
		rep.RatioAfter, rep.usageKnown = u.Ratio(), true
	}
	logger.Info("compaction finished",
		"ratio_after", rep.RatioAfter,
		"scanned", rep.KeysScanned,
		"compressed", rep.KeysCompressed,
		"rewritten", rep.KeysRewritten,
		"deleted", rep.KeysDeleted,
		"key_errors", rep.KeyErrors,
		"rows_cleared", rep.RowsCleared,
		"rows_evicted", rep.RowsEvicted,
		"store_error", rep.StoreError,
	)
	return err
}

func (c *Compactor) finish(rep *Report, start time.Time) {
	rep.DurationMS = time.Since(start).Milliseconds()
	c.metrics.observe(rep)
}

// lock takes the compaction lease when the cache supports locking. The
// returned release func is safe to call after ctx is cancelled.
func (c *Compactor) lock(ctx context.Context) (func(), bool, error) {
	l, ok := c.cache.(cache.Locker)
	if !ok {
		return func() {}, true, nil
	}
	token := ulid.Make().String()
	acquired, err := l.AcquireLock(ctx, LockName, token, c.lockTTL)
	if err != nil || !acquired {
		return nil, false, err
	}
	return func() {
		if err := l.ReleaseLock(context.WithoutCancel(ctx), LockName, token); err != nil {
			logging.From(ctx).Warn("release compaction lock", "error", err)
		}
	}, true, nil
}
