// Package ingest stores new conversation text as embedded chunks.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/chunker"
	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/store"
)

const DefaultSummaryTTL = time.Hour

// Summarizer condenses texts; summarize.Chain satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Scorer rates importance in [0, 1]; summarize.ScoreChain satisfies it.
type Scorer interface {
	Score(ctx context.Context, texts []string) (float64, error)
}

// Service writes chunks. Cache, Embedder, Summarizer and Scorer are optional.
// Rows always carry an importance: the given one, the scorer's, or
// model.DefaultImportance.
type Service struct {
	Store      store.Store
	Cache      cache.Cache
	Embedder   embedding.Embedder
	Summarizer Summarizer
	Scorer     Scorer
	Chunking   chunker.Options
	SummaryTTL time.Duration
}

// Params describes one piece of memory to store.
type Params struct {
	SessionID  string
	Content    string
	Summary    string
	Importance *float64
	Extra      map[string]any
}

// Result lists the stored row ids.
type Result struct {
	IDs      []int64 `json:"ids"`
	Embedded int     `json:"embedded"`
	Summary  string  `json:"summary,omitempty"`
}

// Ingest splits the content into chunks and inserts one row per chunk. A
// chunk whose embedding fails is stored without a vector for backfill to
// pick up later.
func (s *Service) Ingest(ctx context.Context, p Params) (*Result, error) {
	logger := logging.From(ctx)
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return nil, goerr.New("session id is required")
	}
	if strings.TrimSpace(p.Content) == "" && strings.TrimSpace(p.Summary) == "" {
		return nil, goerr.New("content or summary is required", goerr.V("session_id", p.SessionID))
	}

	pieces := chunker.Split(p.Content, s.Chunking)
	summary := strings.TrimSpace(p.Summary)
	if summary == "" && s.Summarizer != nil && len(pieces) > 0 {
		out, err := s.Summarizer.Summarize(ctx, pieces)
		if err != nil {
			logger.Warn("summarize failed, storing without summary", "session_id", p.SessionID, "error", err)
		} else {
			summary = out
		}
	}
	importance := s.importance(ctx, p, pieces, summary)
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	res := &Result{Summary: summary}
	now := time.Now().UnixMilli()
	for i, piece := range pieces {
		c := model.Chunk{
			SessionID:   p.SessionID,
			TimestampMS: now,
			Content:     piece,
			Summary:     summary,
			Metadata:    model.Metadata{Importance: model.Float(importance), Extra: copyExtra(p.Extra)},
		}
		if len(pieces) > 1 {
			if c.Metadata.Extra == nil {
				c.Metadata.Extra = map[string]any{}
			}
			c.Metadata.Extra["seq"] = i
			c.Metadata.Extra["parts"] = len(pieces)
		}

		if s.Embedder != nil {
			vec, err := s.Embedder.Embed(ctx, c.Text())
			if err != nil {
				logger.Warn("embedding failed, storing without vector", "session_id", p.SessionID, "seq", i, "error", err)
			} else {
				c.Vector = vec
			}
		}

		id, err := s.Store.Insert(ctx, c)
		if err != nil {
			return res, goerr.Wrap(err, "insert chunk", goerr.V("session_id", p.SessionID), goerr.V("seq", i))
		}
		res.IDs = append(res.IDs, id)
		if c.Vector != nil {
			res.Embedded++
		}
	}

	if summary != "" && s.Cache != nil {
		ttl := s.SummaryTTL
		if ttl <= 0 {
			ttl = DefaultSummaryTTL
		}
		if err := cache.Save(ctx, s.Cache, cache.SessionSummaryKey(p.SessionID), []byte(summary), ttl); err != nil {
			logger.Warn("cache session summary", "session_id", p.SessionID, "error", err)
		}
	}

	logger.Debug("stored chunks", "session_id", p.SessionID, "ids", res.IDs, "embedded", res.Embedded)
	return res, nil
}

func (s *Service) importance(ctx context.Context, p Params, pieces []string, summary string) float64 {
	if p.Importance != nil {
		return *p.Importance
	}
	if s.Scorer == nil {
		return model.DefaultImportance
	}
	texts := pieces
	if len(texts) == 0 {
		texts = []string{summary}
	}
	v, err := s.Scorer.Score(ctx, texts)
	if err != nil || v < 0 || v > 1 {
		logging.From(ctx).Warn("importance scoring failed, using default",
			"session_id", p.SessionID, "score", v, "error", err)
		return model.DefaultImportance
	}
	return v
}

func copyExtra(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
