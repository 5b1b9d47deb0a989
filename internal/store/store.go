// Package store provides the durable chunk store interface and its SQLite and
// PostgreSQL implementations.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/memcompact/internal/model"
)

var (
	// ErrStoreUnavailable wraps connection, timeout and busy failures.
	// Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a chunk id does not exist.
	ErrNotFound = errors.New("chunk not found")
)

// Filter is a typed row predicate. Zero fields do not restrict.
type Filter struct {
	SessionID string
	// Unarchived selects rows that are neither archived nor rollups.
	Unarchived    bool
	MissingVector bool
	HasContent    bool
	HasSummary    bool
	// AfterID selects rows with id > AfterID.
	AfterID int64
}

// Scored is a chunk ranked by similarity to a query vector.
type Scored struct {
	model.Chunk
	Score float64 `json:"score"`
}

// Stats holds row counts.
type Stats struct {
	Backend     string  `json:"backend"`
	Total       int     `json:"total"`
	WithVector  int     `json:"with_vector"`
	Coverage    float64 `json:"vec_coverage"`
	Archived    int     `json:"archived"`
	Aggregated  int     `json:"aggregated"`
	Sessions    int     `json:"sessions"`
	WithContent int     `json:"with_content"`
}

// Store is the durable chunk store.
type Store interface {
	// Insert stores a chunk and returns its id. Vector may be nil.
	Insert(ctx context.Context, c model.Chunk) (int64, error)

	// Get loads a chunk by id.
	Get(ctx context.Context, id int64) (*model.Chunk, error)

	// UpdateVector sets the embedding of a chunk.
	UpdateVector(ctx context.Context, id int64, vec []float32) error

	// MergeMetadata shallow-merges patch into the chunk's metadata.
	MergeMetadata(ctx context.Context, id int64, patch model.MetadataPatch) error

	// QuerySimilar ranks embedded chunks by cosine similarity to vec,
	// highest first, ties broken by smaller id.
	QuerySimilar(ctx context.Context, vec []float32, limit int) ([]Scored, error)

	// List returns matching chunks ordered by id.
	List(ctx context.Context, f Filter, limit int) ([]model.Chunk, error)

	// Count returns the number of matching chunks.
	Count(ctx context.Context, f Filter) (int, error)

	// ClearContent empties the content of matching chunks in one transaction.
	ClearContent(ctx context.Context, f Filter) (int64, error)

	// DeleteIDs removes the given chunks in one transaction.
	DeleteIDs(ctx context.Context, ids []int64) (int64, error)

	// LowestImportance returns floor(count*fraction) ids, lowest importance
	// first (missing importance ranks as 0), ties broken by smaller id.
	LowestImportance(ctx context.Context, fraction float64) ([]int64, error)

	// Aggregate inserts rollup and marks archiveIDs archived in one transaction.
	Aggregate(ctx context.Context, rollup model.Chunk, archiveIDs []int64) (int64, error)

	// Stats returns row counts.
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the store.
	Close() error
}
