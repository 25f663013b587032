// Package usage keeps a local SQLite log of finished dispatches, one row
// per Execute. Writes are best-effort; the relay never blocks on them.
package usage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// AttemptRecord is one finished dispatch.
type AttemptRecord struct {
	Time        int64  // absolute ms
	IdentityKey string // account that served (or last tried) the request
	Mode        string
	Model       string
	Status      int
	Attempts    int
	Reason      string // final reason code, e.g. retry_switched_account_after_429
	LatencyMs   int64
}

// AccountSummary aggregates dispatches per account.
type AccountSummary struct {
	IdentityKey  string  `json:"identityKey"`
	Requests     int64   `json:"requests"`
	RateLimited  int64   `json:"rateLimited"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

type Log struct {
	db *sql.DB
}

func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply usage schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) InsertAttempt(ctx context.Context, rec AttemptRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts (ts, identity_key, mode, model, status, attempts, reason, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time, rec.IdentityKey, rec.Mode, rec.Model, rec.Status, rec.Attempts, rec.Reason, rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Summary aggregates attempts since the given time, newest-heavy accounts
// first.
func (l *Log) Summary(ctx context.Context, sinceMs int64) ([]AccountSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT identity_key,
		        COUNT(*),
		        SUM(CASE WHEN status = 429 THEN 1 ELSE 0 END),
		        AVG(latency_ms)
		 FROM attempts WHERE ts >= ?
		 GROUP BY identity_key
		 ORDER BY COUNT(*) DESC`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var s AccountSummary
		if err := rows.Scan(&s.IdentityKey, &s.Requests, &s.RateLimited, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Purge deletes rows older than the given time and reports how many went.
func (l *Log) Purge(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM attempts WHERE ts < ?`, beforeMs)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return res.RowsAffected()
}
