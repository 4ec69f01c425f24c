// Package accesslog persists one row per intercepted request: which strategy
// handled it, where the response came from, and how long it took. The log is
// optional; the agent runs with a NoopWriter when no DSN is configured.
package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one cache serving decision.
type Entry struct {
	TraceID   string
	Method    string
	URL       string
	Strategy  string
	Outcome   string
	Status    int
	LatencyMS int64
	CreatedAt time.Time
}

// Writer persists access log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Query filters and paginates List results.
type Query struct {
	Limit    int
	Offset   int
	Strategy string
	Outcome  string
}

// QueryResult is one page of entries plus the unpaginated total.
type QueryResult struct {
	Data  []Entry
	Total int
}

// MaintenanceQuery selects entries for deletion.
type MaintenanceQuery struct {
	// Before deletes entries created strictly before this instant.
	Before *time.Time
}

// Reader lists persisted entries.
type Reader interface {
	List(ctx context.Context, q Query) (QueryResult, error)
}

// Maintainer deletes persisted entries.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "cachegw-access.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite access log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres access log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s access log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS access_logs (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	strategy TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS access_logs (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	strategy TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize access log schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO access_logs(trace_id, method, url, strategy, outcome, status, latency_ms, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == "postgres" {
		query = `INSERT INTO access_logs(trace_id, method, url, strategy, outcome, status, latency_ms, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Method,
		entry.URL,
		entry.Strategy,
		entry.Outcome,
		entry.Status,
		entry.LatencyMS,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write access log: %w", err)
	}
	return nil
}

// List returns entries newest-first, filtered and paginated by q.
func (w *SQLWriter) List(ctx context.Context, q Query) (QueryResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	where, args := w.buildFilter(q)

	countQuery := "SELECT COUNT(*) FROM access_logs" + where
	var total int
	if err := w.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("count access logs: %w", err)
	}

	listQuery := fmt.Sprintf(
		"SELECT trace_id, method, url, strategy, outcome, status, latency_ms, created_at FROM access_logs%s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s",
		where, w.placeholder(len(args)+1), w.placeholder(len(args)+2))
	args = append(args, q.Limit, q.Offset)

	rows, err := w.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("list access logs: %w", err)
	}
	defer rows.Close()

	result := QueryResult{Total: total}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.Method, &e.URL, &e.Strategy, &e.Outcome, &e.Status, &e.LatencyMS, &e.CreatedAt); err != nil {
			return QueryResult{}, fmt.Errorf("scan access log: %w", err)
		}
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("iterate access logs: %w", err)
	}
	return result, nil
}

// Delete removes entries matching q and reports how many went away.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	query := "DELETE FROM access_logs"
	var args []interface{}
	if q.Before != nil {
		query += " WHERE created_at < " + w.placeholder(1)
		args = append(args, q.Before.UTC())
	}
	res, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete access logs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted access logs: %w", err)
	}
	return deleted, nil
}

func (w *SQLWriter) buildFilter(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if q.Strategy != "" {
		args = append(args, q.Strategy)
		clauses = append(clauses, "strategy = "+w.placeholder(len(args)))
	}
	if q.Outcome != "" {
		args = append(args, q.Outcome)
		clauses = append(clauses, "outcome = "+w.placeholder(len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (w *SQLWriter) placeholder(n int) string {
	if w.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
