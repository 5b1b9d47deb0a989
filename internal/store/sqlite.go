package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/model"
)

// SQLiteStore implements Store using SQLite. Vectors are stored as JSON
// arrays and ranked in process.
type SQLiteStore struct {
	db      *sql.DB
	dims    int
	timeout time.Duration
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// dims is the embedding dimension every stored vector must have.
func NewSQLiteStore(dbPath string, dims int, timeout time.Duration) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("dir", dir))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "open db", goerr.V("path", dbPath))
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &SQLiteStore{db: db, dims: dims, timeout: timeout}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "migrate")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mem_chunk (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts         INTEGER NOT NULL,
		content    TEXT,
		summary    TEXT,
		metadata   TEXT NOT NULL DEFAULT '{}',
		vec        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_mem_chunk_session ON mem_chunk(session_id);
	CREATE INDEX IF NOT EXISTS idx_mem_chunk_novec ON mem_chunk(id) WHERE vec IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLiteStore) Insert(ctx context.Context, c model.Chunk) (int64, error) {
	if err := validateChunk(c, s.dims); err != nil {
		return 0, err
	}
	if c.TimestampMS == 0 {
		c.TimestampMS = time.Now().UnixMilli()
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return 0, goerr.Wrap(err, "encode metadata")
	}

	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mem_chunk (session_id, ts, content, summary, metadata, vec) VALUES (?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.TimestampMS, nullString(c.Content), nullString(c.Summary), string(meta), encodeVector(c.Vector))
	if err != nil {
		return 0, wrapErr(err, "insert chunk", goerr.V("session_id", c.SessionID))
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Chunk, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM mem_chunk WHERE id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "get chunk", goerr.V("id", id))
	}
	if err != nil {
		return nil, wrapErr(err, "get chunk", goerr.V("id", id))
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateVector(ctx context.Context, id int64, vec []float32) error {
	if err := embedding.CheckDims(vec, s.dims); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE mem_chunk SET vec = ? WHERE id = ?`, encodeVector(vec), id)
	if err != nil {
		return wrapErr(err, "update vector", goerr.V("id", id))
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id int64, patch model.MetadataPatch) error {
	if patch.Empty() {
		return nil
	}
	b, err := json.Marshal(patch.Object())
	if err != nil {
		return goerr.Wrap(err, "encode metadata patch")
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE mem_chunk SET metadata = json_patch(COALESCE(metadata, '{}'), ?) WHERE id = ?`, string(b), id)
	if err != nil {
		return wrapErr(err, "merge metadata", goerr.V("id", id))
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) QuerySimilar(ctx context.Context, vec []float32, limit int) ([]Scored, error) {
	if err := embedding.CheckDims(vec, s.dims); err != nil {
		return nil, err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+`, vec FROM mem_chunk WHERE vec IS NOT NULL`)
	if err != nil {
		return nil, wrapErr(err, "query similar")
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var c model.Chunk
		var raw string
		if err := scanChunkInto(rows, &c, &raw); err != nil {
			return nil, wrapErr(err, "scan chunk")
		}
		v, err := decodeVector(raw)
		if err != nil || len(v) != len(vec) {
			continue
		}
		out = append(out, Scored{Chunk: c, Score: embedding.CosineSimilarity(vec, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "query similar")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter, limit int) ([]model.Chunk, error) {
	where, args := sqliteWhere(f)
	if limit <= 0 {
		limit = -1
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM mem_chunk WHERE `+where+` ORDER BY id LIMIT ?`, append(args, limit)...)
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

func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := sqliteWhere(f)
	ctx, cancel := s.op(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mem_chunk WHERE `+where, args...).Scan(&n); err != nil {
		return 0, wrapErr(err, "count chunks")
	}
	return n, nil
}

func (s *SQLiteStore) ClearContent(ctx context.Context, f Filter) (int64, error) {
	f.HasContent = true
	where, args := sqliteWhere(f)
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE mem_chunk SET content = NULL WHERE `+where, args...)
	if err != nil {
		return 0, wrapErr(err, "clear content")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr(err, "begin delete")
	}
	defer tx.Rollback()

	var total int64
	for _, batch := range batches(ids, 500) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM mem_chunk WHERE id IN (`+placeholders(len(batch))+`)`, int64Args(batch)...)
		if err != nil {
			return 0, wrapErr(err, "delete chunks", goerr.V("count", len(ids)))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr(err, "commit delete")
	}
	return total, nil
}

// sqliteImportance ranks only numeric importance values; anything else
// counts as 0, the same as a missing key.
const sqliteImportance = `CASE WHEN json_type(metadata, '$.importance') IN ('real', 'integer')
		THEN json_extract(metadata, '$.importance') ELSE 0 END`

func (s *SQLiteStore) LowestImportance(ctx context.Context, fraction float64) ([]int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mem_chunk`).Scan(&total); err != nil {
		return nil, wrapErr(err, "count chunks")
	}
	n := fractionOf(total, fraction)
	if n == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM mem_chunk
		ORDER BY `+sqliteImportance+` ASC, id ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, wrapErr(err, "select lowest importance")
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *SQLiteStore) Aggregate(ctx context.Context, rollup model.Chunk, archiveIDs []int64) (int64, error) {
	rollup.Metadata.Aggregated = true
	if err := validateChunk(rollup, s.dims); err != nil {
		return 0, err
	}
	if rollup.TimestampMS == 0 {
		rollup.TimestampMS = time.Now().UnixMilli()
	}
	meta, err := json.Marshal(rollup.Metadata)
	if err != nil {
		return 0, goerr.Wrap(err, "encode metadata")
	}

	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr(err, "begin aggregate")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO mem_chunk (session_id, ts, content, summary, metadata, vec) VALUES (?, ?, ?, ?, ?, ?)`,
		rollup.SessionID, rollup.TimestampMS, nullString(rollup.Content), nullString(rollup.Summary), string(meta), encodeVector(rollup.Vector))
	if err != nil {
		return 0, wrapErr(err, "insert rollup", goerr.V("session_id", rollup.SessionID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr(err, "rollup id")
	}

	for _, batch := range batches(archiveIDs, 500) {
		_, err := tx.ExecContext(ctx,
			`UPDATE mem_chunk SET metadata = json_set(COALESCE(metadata, '{}'), '$.archived', json('true'))
			 WHERE id IN (`+placeholders(len(batch))+`)`, int64Args(batch)...)
		if err != nil {
			return 0, wrapErr(err, "archive chunks", goerr.V("session_id", rollup.SessionID))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr(err, "commit aggregate")
	}
	return id, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	st := &Stats{Backend: "sqlite"}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(vec),
		       COALESCE(SUM(CASE WHEN json_extract(metadata, '$.archived') = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN json_extract(metadata, '$.aggregated') = 1 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT session_id),
		       COALESCE(SUM(CASE WHEN content IS NOT NULL AND content != '' THEN 1 ELSE 0 END), 0)
		FROM mem_chunk`).Scan(&st.Total, &st.WithVector, &st.Archived, &st.Aggregated, &st.Sessions, &st.WithContent)
	if err != nil {
		return nil, wrapErr(err, "stats")
	}
	if st.Total > 0 {
		st.Coverage = float64(st.WithVector) / float64(st.Total)
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const chunkColumns = `id, session_id, ts, content, summary, metadata, vec IS NOT NULL`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	err := scanChunkInto(row, &c)
	return c, err
}

func scanChunkInto(row scanner, c *model.Chunk, extra ...any) error {
	var content, summary sql.NullString
	var meta string
	dest := append([]any{&c.ID, &c.SessionID, &c.TimestampMS, &content, &summary, &meta, &c.HasVector}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	c.Content = content.String
	c.Summary = summary.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return goerr.Wrap(err, "decode metadata", goerr.V("id", c.ID))
		}
	}
	return nil
}

func sqliteWhere(f Filter) (string, []any) {
	where := []string{"1 = 1"}
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Unarchived {
		where = append(where,
			"COALESCE(json_extract(metadata, '$.archived'), 0) = 0",
			"COALESCE(json_extract(metadata, '$.aggregated'), 0) = 0")
	}
	if f.MissingVector {
		where = append(where, "vec IS NULL")
	}
	if f.HasContent {
		where = append(where, "content IS NOT NULL AND content != ''")
	}
	if f.HasSummary {
		where = append(where, "summary IS NOT NULL AND summary != ''")
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	return strings.Join(where, " AND "), args
}

func encodeVector(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	b, _ := json.Marshal(vec)
	return string(b)
}

func decodeVector(raw string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err, "scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err, "scan ids")
	}
	return ids, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, "rows affected")
	}
	if n == 0 {
		return goerr.Wrap(ErrNotFound, fmt.Sprintf("chunk %d", id))
	}
	return nil
}
