package stats

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

const driverLibsql = "libsql"

const schema = `
CREATE TABLE IF NOT EXISTS rpc_method_stats (
	session_id       TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	method           TEXT NOT NULL,
	calls            INTEGER NOT NULL DEFAULT 0,
	errors           INTEGER NOT NULL DEFAULT 0,
	rate_limited     INTEGER NOT NULL DEFAULT 0,
	total_latency_ns INTEGER NOT NULL DEFAULT 0,
	max_latency_ns   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, provider_id, method)
);

CREATE TABLE IF NOT EXISTS rpc_time_buckets (
	session_id   TEXT NOT NULL,
	bucket_start INTEGER NOT NULL,
	provider_id  TEXT NOT NULL,
	calls        INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	rate_limited INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, bucket_start, provider_id)
);`

const upsertMethodStats = `
INSERT INTO rpc_method_stats (session_id, provider_id, method, calls, errors, rate_limited, total_latency_ns, max_latency_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, provider_id, method) DO UPDATE SET
	calls            = calls + excluded.calls,
	errors           = errors + excluded.errors,
	rate_limited     = rate_limited + excluded.rate_limited,
	total_latency_ns = total_latency_ns + excluded.total_latency_ns,
	max_latency_ns   = MAX(max_latency_ns, excluded.max_latency_ns)`

const upsertTimeBucket = `
INSERT INTO rpc_time_buckets (session_id, bucket_start, provider_id, calls, errors, rate_limited)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, bucket_start, provider_id) DO UPDATE SET
	calls        = calls + excluded.calls,
	errors       = errors + excluded.errors,
	rate_limited = rate_limited + excluded.rate_limited`

// LibsqlStore persists aggregates in an embedded libsql (SQLite) database.
type LibsqlStore struct {
	db *sql.DB
}

// OpenLibsqlStore opens (and migrates) a libsql store at the given path.
// ":memory:" opens an in-process database that disappears on close.
func OpenLibsqlStore(ctx context.Context, path string) (*LibsqlStore, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, fmt.Errorf("stats: store path is required")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + filepath.Clean(dsn)
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("stats: open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stats: ping libsql store: %w", err)
	}
	// The libsql driver executes only the first statement of a multi-statement
	// string, so apply the schema one statement at a time.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("stats: migrate libsql store: %w", err)
		}
	}

	return &LibsqlStore{db: db}, nil
}

// SaveBatch implements Store. Records are pre-aggregated in memory so each
// flush touches one row per provider/method and per minute bucket.
func (s *LibsqlStore) SaveBatch(ctx context.Context, sessionID string, records []types.CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	methods := make(map[methodKey]*methodCounters)
	buckets := make(map[bucketKey]*methodCounters)
	for _, rec := range records {
		mk := methodKey{ProviderID: rec.ProviderID, Method: rec.Method}
		mc := methods[mk]
		if mc == nil {
			mc = &methodCounters{}
			methods[mk] = mc
		}
		applyRecord(mc, rec)

		bk := bucketKey{Start: rec.Timestamp.Truncate(time.Minute).Unix(), ProviderID: rec.ProviderID}
		bc := buckets[bk]
		if bc == nil {
			bc = &methodCounters{}
			buckets[bk] = bc
		}
		applyRecord(bc, rec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: begin flush tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, c := range methods {
		if _, err := tx.ExecContext(ctx, upsertMethodStats,
			sessionID, k.ProviderID, k.Method,
			c.Calls, c.Errors, c.RateLimited, int64(c.TotalLatency), int64(c.MaxLatency)); err != nil {
			return fmt.Errorf("stats: upsert method stats: %w", err)
		}
	}
	for k, c := range buckets {
		if _, err := tx.ExecContext(ctx, upsertTimeBucket,
			sessionID, k.Start, k.ProviderID,
			c.Calls, c.Errors, c.RateLimited); err != nil {
			return fmt.Errorf("stats: upsert time bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stats: commit flush tx: %w", err)
	}
	return nil
}

// MethodStats implements Store.
func (s *LibsqlStore) MethodStats(ctx context.Context, sessionID string) ([]types.MethodStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, method, calls, errors, rate_limited, total_latency_ns, max_latency_ns
		FROM rpc_method_stats
		WHERE session_id = ?
		ORDER BY provider_id, method`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("stats: query method stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.MethodStats
	for rows.Next() {
		var ms types.MethodStats
		var totalNs, maxNs int64
		if err := rows.Scan(&ms.ProviderID, &ms.Method, &ms.Calls, &ms.Errors, &ms.RateLimited, &totalNs, &maxNs); err != nil {
			return nil, fmt.Errorf("stats: scan method stats: %w", err)
		}
		ms.TotalLatency = time.Duration(totalNs)
		if ms.Calls > 0 {
			ms.AvgLatency = ms.TotalLatency / time.Duration(ms.Calls)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// TimeBuckets implements Store.
func (s *LibsqlStore) TimeBuckets(ctx context.Context, sessionID string, since time.Time) ([]types.TimeBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_start, provider_id, calls, errors, rate_limited
		FROM rpc_time_buckets
		WHERE session_id = ? AND bucket_start >= ?
		ORDER BY bucket_start, provider_id`, sessionID, since.Truncate(time.Minute).Unix())
	if err != nil {
		return nil, fmt.Errorf("stats: query time buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.TimeBucket
	for rows.Next() {
		var tb types.TimeBucket
		var start int64
		if err := rows.Scan(&start, &tb.ProviderID, &tb.Calls, &tb.Errors, &tb.RateLimited); err != nil {
			return nil, fmt.Errorf("stats: scan time bucket: %w", err)
		}
		tb.Start = time.Unix(start, 0).UTC()
		out = append(out, tb)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *LibsqlStore) Close() error {
	return s.db.Close()
}
