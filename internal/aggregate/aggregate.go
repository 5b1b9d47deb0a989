// Package aggregate rolls the unarchived chunks of a session up into one
// summary row ahead of compaction.
package aggregate

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
	"github.com/rcliao/memcompact/internal/summarize"
)

const DefaultSummaryTTL = time.Hour

// Summarizer condenses texts; summarize.Chain satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Aggregator writes rollups. Cache and Embedder are optional; Summarizer
// defaults to word-limited concatenation.
type Aggregator struct {
	Store      store.Store
	Cache      cache.Cache
	Embedder   embedding.Embedder
	Summarizer Summarizer
	MaxWords   int
	SummaryTTL time.Duration
}

// Result reports what a rollup did. RollupID is zero when the session had
// nothing to aggregate.
type Result struct {
	SessionID string  `json:"session_id"`
	RollupID  int64   `json:"rollup_id,omitempty"`
	Archived  []int64 `json:"archived"`
	Summary   string  `json:"summary,omitempty"`
}

// Aggregate summarizes every unarchived chunk of sessionID into one new
// aggregated row and marks the originals archived, in one transaction.
func (a *Aggregator) Aggregate(ctx context.Context, sessionID string) (*Result, error) {
	if sessionID == "" {
		return nil, goerr.New("session id is required")
	}
	logger := logging.From(ctx).With("session_id", sessionID)

	rows, err := a.Store.List(ctx, store.Filter{SessionID: sessionID, Unarchived: true}, 0)
	if err != nil {
		return nil, goerr.Wrap(err, "list unarchived chunks")
	}
	res := &Result{SessionID: sessionID}
	if len(rows) == 0 {
		logger.Info("nothing to aggregate")
		return res, nil
	}

	texts := make([]string, 0, len(rows))
	importance := 0.0
	for _, r := range rows {
		res.Archived = append(res.Archived, r.ID)
		importance = max(importance, r.Metadata.ImportanceOr(model.DefaultImportance))
		if r.Summary != "" {
			texts = append(texts, r.Summary)
		} else if r.Content != "" {
			texts = append(texts, r.Content)
		}
	}

	summary, err := a.summarizer().Summarize(ctx, texts)
	if err != nil {
		return nil, goerr.Wrap(err, "summarize session")
	}
	res.Summary = summarize.Truncate(summary, a.MaxWords)

	rollup := model.Chunk{
		SessionID: sessionID,
		Summary:   res.Summary,
		Metadata:  model.Metadata{Aggregated: true, Importance: model.Float(importance)},
	}
	if a.Embedder != nil && res.Summary != "" {
		vec, err := a.Embedder.Embed(ctx, res.Summary)
		if err != nil {
			logger.Warn("embedding rollup failed, storing without vector", "error", err)
		} else {
			rollup.Vector = vec
		}
	}

	res.RollupID, err = a.Store.Aggregate(ctx, rollup, res.Archived)
	if err != nil {
		return nil, goerr.Wrap(err, "store rollup")
	}

	if a.Cache != nil && res.Summary != "" {
		ttl := a.SummaryTTL
		if ttl <= 0 {
			ttl = DefaultSummaryTTL
		}
		if err := cache.Save(ctx, a.Cache, cache.SessionSummaryKey(sessionID), []byte(res.Summary), ttl); err != nil {
			logger.Warn("cache session summary", "error", err)
		}
	}

	logger.Info("session aggregated", "rollup_id", res.RollupID, "archived", len(res.Archived))
	return res, nil
}

func (a *Aggregator) summarizer() Summarizer {
	if a.Summarizer != nil {
		return a.Summarizer
	}
	return summarize.Concat{MaxWords: a.MaxWords}
}
