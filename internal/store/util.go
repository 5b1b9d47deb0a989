package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"math"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/model"
)

// wrapErr annotates err and tags it ErrStoreUnavailable when the failure is
// about reaching the database rather than the statement itself.
func wrapErr(err error, msg string, opts ...goerr.Option) error {
	if isUnavailable(err) {
		err = errors.Join(ErrStoreUnavailable, err)
	}
	return goerr.Wrap(err, msg, opts...)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "closed pool")
}

func validateChunk(c model.Chunk, dims int) error {
	if strings.TrimSpace(c.SessionID) == "" {
		return goerr.New("session id is required")
	}
	if c.Content == "" && c.Summary == "" && !c.Metadata.Aggregated {
		return goerr.New("chunk needs content or summary", goerr.V("session_id", c.SessionID))
	}
	if c.Vector != nil {
		if err := embedding.CheckDims(c.Vector, dims); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func batches(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// fractionOf returns floor(total*fraction), tolerating float error on exact
// products such as 10*0.3.
func fractionOf(total int, fraction float64) int {
	if total <= 0 || fraction <= 0 {
		return 0
	}
	n := int(math.Floor(float64(total)*fraction + 1e-9))
	if n > total {
		n = total
	}
	return n
}
