package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/model"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
// Similarity is ranked in the database with the cosine distance operator.
type PostgresStore struct {
	pool    *pgxpool.Pool
	dims    int
	timeout time.Duration
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, dims int, timeout time.Duration) (*PostgresStore, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapErr(err, "connect postgres")
	}
	s := &PostgresStore{pool: pool, dims: dims, timeout: timeout}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, wrapErr(err, "migrate")
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mem_chunk (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts         BIGINT NOT NULL,
			content    TEXT,
			summary    TEXT,
			metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
			vec        vector(%d)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_mem_chunk_session ON mem_chunk(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mem_chunk_novec ON mem_chunk(id) WHERE vec IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Insert(ctx context.Context, c model.Chunk) (int64, error) {
	if err := validateChunk(c, s.dims); err != nil {
		return 0, err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	return insertPG(ctx, s.pool, c)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPG(ctx context.Context, q pgQuerier, c model.Chunk) (int64, error) {
	if c.TimestampMS == 0 {
		c.TimestampMS = time.Now().UnixMilli()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return 0, goerr.Wrap(err, "encode metadata")
	}
	var id int64
	err = q.QueryRow(ctx,
		`INSERT INTO mem_chunk (session_id, ts, content, summary, metadata, vec)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::vector) RETURNING id`,
		c.SessionID, c.TimestampMS, nullString(c.Content), nullString(c.Summary), string(meta), encodeVector(c.Vector)).Scan(&id)
	if err != nil {
		return 0, wrapErr(err, "insert chunk", goerr.V("session_id", c.SessionID))
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.Chunk, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	c, err := scanChunk(s.pool.QueryRow(ctx, `SELECT `+pgChunkColumns+` FROM mem_chunk WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "get chunk", goerr.V("id", id))
	}
	if err != nil {
		return nil, wrapErr(err, "get chunk", goerr.V("id", id))
	}
	return &c, nil
}

func (s *PostgresStore) UpdateVector(ctx context.Context, id int64, vec []float32) error {
	if err := embedding.CheckDims(vec, s.dims); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE mem_chunk SET vec = $1::vector WHERE id = $2`, encodeVector(vec), id)
	if err != nil {
		return wrapErr(err, "update vector", goerr.V("id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(ErrNotFound, fmt.Sprintf("chunk %d", id))
	}
	return nil
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, id int64, patch model.MetadataPatch) error {
	if patch.Empty() {
		return nil
	}
	b, err := json.Marshal(patch.Object())
	if err != nil {
		return goerr.Wrap(err, "encode metadata patch")
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE mem_chunk SET metadata = metadata || $1::jsonb WHERE id = $2`, string(b), id)
	if err != nil {
		return wrapErr(err, "merge metadata", goerr.V("id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(ErrNotFound, fmt.Sprintf("chunk %d", id))
	}
	return nil
}

func (s *PostgresStore) QuerySimilar(ctx context.Context, vec []float32, limit int) ([]Scored, error) {
	if err := embedding.CheckDims(vec, s.dims); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgChunkColumns+`, 1 - (vec <=> $1::vector) AS score
		FROM mem_chunk
		WHERE vec IS NOT NULL
		ORDER BY score DESC, id ASC
		LIMIT $2`, encodeVector(vec), limit)
	if err != nil {
		return nil, wrapErr(err, "query similar")
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var sc Scored
		if err := scanChunkInto(rows, &sc.Chunk, &sc.Score); err != nil {
			return nil, wrapErr(err, "scan chunk")
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "query similar")
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter, limit int) ([]model.Chunk, error) {
	where, args := pgWhere(f)
	query := `SELECT ` + pgChunkColumns + ` FROM mem_chunk WHERE ` + where + ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, wrapErr(err, "scan chunk")
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "list chunks")
	}
	return chunks, nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := pgWhere(f)
	ctx, cancel := s.op(ctx)
	defer cancel()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mem_chunk WHERE `+where, args...).Scan(&n); err != nil {
		return 0, wrapErr(err, "count chunks")
	}
	return n, nil
}

func (s *PostgresStore) ClearContent(ctx context.Context, f Filter) (int64, error) {
	f.HasContent = true
	where, args := pgWhere(f)
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE mem_chunk SET content = NULL WHERE `+where, args...)
	if err != nil {
		return 0, wrapErr(err, "clear content")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM mem_chunk WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, wrapErr(err, "delete chunks", goerr.V("count", len(ids)))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LowestImportance(ctx context.Context, fraction float64) ([]int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mem_chunk`).Scan(&total); err != nil {
		return nil, wrapErr(err, "count chunks")
	}
	n := fractionOf(total, fraction)
	if n == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM mem_chunk
		ORDER BY `+pgImportance+` ASC, id ASC
		LIMIT $1`, n)
	if err != nil {
		return nil, wrapErr(err, "select lowest importance")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrapErr(err, "scan ids")
	}
	return ids, nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, rollup model.Chunk, archiveIDs []int64) (int64, error) {
	rollup.Metadata.Aggregated = true
	if err := validateChunk(rollup, s.dims); err != nil {
		return 0, err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr(err, "begin aggregate")
	}
	defer tx.Rollback(ctx)

	id, err := insertPG(ctx, tx, rollup)
	if err != nil {
		return 0, err
	}
	if len(archiveIDs) > 0 {
		_, err := tx.Exec(ctx,
			`UPDATE mem_chunk SET metadata = jsonb_set(metadata, '{archived}', 'true'::jsonb) WHERE id = ANY($1)`,
			archiveIDs)
		if err != nil {
			return 0, wrapErr(err, "archive chunks", goerr.V("session_id", rollup.SessionID))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr(err, "commit aggregate")
	}
	return id, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	st := &Stats{Backend: "postgres"}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(vec),
		       COUNT(*) FILTER (WHERE metadata->'archived' = 'true'::jsonb),
		       COUNT(*) FILTER (WHERE metadata->'aggregated' = 'true'::jsonb),
		       COUNT(DISTINCT session_id),
		       COUNT(*) FILTER (WHERE content IS NOT NULL AND content <> '')
		FROM mem_chunk`).Scan(&st.Total, &st.WithVector, &st.Archived, &st.Aggregated, &st.Sessions, &st.WithContent)
	if err != nil {
		return nil, wrapErr(err, "stats")
	}
	if st.Total > 0 {
		st.Coverage = float64(st.WithVector) / float64(st.Total)
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const (
	pgChunkColumns = `id, session_id, ts, content, summary, metadata::text, vec IS NOT NULL`
	pgImportance   = `CASE WHEN jsonb_typeof(metadata->'importance') = 'number'
		THEN (metadata->>'importance')::float8 ELSE 0 END`
)

func pgWhere(f Filter) (string, []any) {
	where := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.Unarchived {
		where = append(where,
			"metadata->'archived' IS DISTINCT FROM 'true'::jsonb",
			"metadata->'aggregated' IS DISTINCT FROM 'true'::jsonb")
	}
	if f.MissingVector {
		where = append(where, "vec IS NULL")
	}
	if f.HasContent {
		where = append(where, "content IS NOT NULL AND content <> ''")
	}
	if f.HasSummary {
		where = append(where, "summary IS NOT NULL AND summary <> ''")
	}
	if f.AfterID > 0 {
		where = append(where, "id > "+arg(f.AfterID))
	}
	return strings.Join(where, " AND "), args
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
