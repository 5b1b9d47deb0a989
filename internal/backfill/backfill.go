// Package backfill fills in missing chunk embeddings.
package backfill

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"

	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/store"
)

const DefaultBatchSize = 50

// Worker embeds chunks that have no vector yet.
type Worker struct {
	store    store.Store
	embedder embedding.Embedder
	batch    int
	limiter  *rate.Limiter
}

// Option configures a Worker.
type Option func(*Worker)

// WithBatchSize sets how many rows are selected per round.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithRate caps embedding calls per second. Zero disables the limit.
func WithRate(perSecond float64) Option {
	return func(w *Worker) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// New creates a Worker.
func New(s store.Store, e embedding.Embedder, opts ...Option) *Worker {
	w := &Worker{store: s, embedder: e, batch: DefaultBatchSize}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result counts what a run did.
type Result struct {
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
}

// Run processes batches until none are left. Rows are walked by ascending
// id, so a row that fails is not selected again in the same run. A failed
// row is logged and counted; only store and context errors end the run early.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	if w.embedder == nil {
		return nil, goerr.Wrap(embedding.ErrEmbeddingUnavailable, "no embedding provider configured")
	}
	logger := logging.From(ctx)
	start := time.Now()
	res := &Result{}
	var cursor int64

	for {
		rows, err := w.store.List(ctx, store.Filter{MissingVector: true, AfterID: cursor}, w.batch)
		if err != nil {
			res.Duration = time.Since(start)
			return res, goerr.Wrap(err, "select rows without vector", goerr.V("after_id", cursor))
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			cursor = row.ID
			text := row.Text()
			if text == "" {
				res.Skipped++
				continue
			}
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					res.Duration = time.Since(start)
					return res, goerr.Wrap(err, "wait for rate limiter")
				}
			}
			vec, err := w.embedder.Embed(ctx, text)
			if err == nil {
				err = w.store.UpdateVector(ctx, row.ID, vec)
			}
			if err != nil {
				if ctx.Err() != nil {
					res.Duration = time.Since(start)
					return res, goerr.Wrap(ctx.Err(), "backfill interrupted")
				}
				logger.Warn("backfill row failed", "id", row.ID, "error", err)
				res.Failed++
				continue
			}
			res.Updated++
		}
		logger.Debug("backfill batch done", "after_id", cursor, "updated", res.Updated, "failed", res.Failed)
	}

	res.Duration = time.Since(start)
	logger.Info("backfill finished", "updated", res.Updated, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}
