// Package database stores index time ranges in Postgres.
//
// A range records the oldest and newest message timestamp of one physical
// index. Searches over a time window use it to pick the indices worth
// querying. Ranges are written when an index is rotated in (as "unknown")
// and again when it is retired.
package database

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"go-log-indexer/internal/metrics"
	"go-log-indexer/internal/models"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// Operation timeouts.
// These cap how long a single DB call can hold a connection / wait on a lock.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS index_ranges (
	index_name    TEXT PRIMARY KEY,
	begin_at      TIMESTAMPTZ NOT NULL,
	end_at        TIMESTAMPTZ NOT NULL,
	is_unknown    BOOLEAN     NOT NULL DEFAULT FALSE,
	calculated_at TIMESTAMPTZ NOT NULL,
	took_ms       BIGINT      NOT NULL DEFAULT 0
)`

type DB struct {
	Conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected", "component", "database")
	return &DB{Conn: conn}, nil
}

// EnsureSchema creates the index_ranges table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := db.Conn.ExecContext(ctx, schema)
	return err
}

// SaveRange inserts or replaces the range of r.Index.
func (db *DB) SaveRange(ctx context.Context, r models.IndexRange) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("save_range"))
	defer timer.ObserveDuration()

	_, err := db.Conn.ExecContext(ctx,
		`INSERT INTO index_ranges (index_name, begin_at, end_at, is_unknown, calculated_at, took_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (index_name) DO UPDATE SET
		   begin_at = EXCLUDED.begin_at,
		   end_at = EXCLUDED.end_at,
		   is_unknown = EXCLUDED.is_unknown,
		   calculated_at = EXCLUDED.calculated_at,
		   took_ms = EXCLUDED.took_ms`,
		r.Index, r.Begin, r.End, r.Unknown, r.CalculatedAt, r.TookMs,
	)
	return err
}

// GetRange fetches the range of one index.
// Returns sql.ErrNoRows when no range was recorded; callers must distinguish
// this from other errors to return the correct HTTP status code.
func (db *DB) GetRange(ctx context.Context, index string) (*models.IndexRange, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("get_range"))
	defer timer.ObserveDuration()

	var r models.IndexRange
	err := db.Conn.QueryRowContext(ctx,
		`SELECT index_name, begin_at, end_at, is_unknown, calculated_at, took_ms
		 FROM index_ranges WHERE index_name = $1`,
		index,
	).Scan(&r.Index, &r.Begin, &r.End, &r.Unknown, &r.CalculatedAt, &r.TookMs)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRanges returns every recorded range, newest calculation first.
func (db *DB) ListRanges(ctx context.Context) ([]models.IndexRange, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("list_ranges"))
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT index_name, begin_at, end_at, is_unknown, calculated_at, took_ms
		 FROM index_ranges ORDER BY calculated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranges []models.IndexRange
	for rows.Next() {
		var r models.IndexRange
		if err := rows.Scan(&r.Index, &r.Begin, &r.End, &r.Unknown, &r.CalculatedAt, &r.TookMs); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

// DeleteRange forgets the range of an index that no longer exists.
func (db *DB) DeleteRange(ctx context.Context, index string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("delete_range"))
	defer timer.ObserveDuration()

	_, err := db.Conn.ExecContext(ctx, "DELETE FROM index_ranges WHERE index_name = $1", index)
	return err
}
