// Package store persists logs and dlq rows to Postgres via pgx, per
// spec.md §3. All writes are parameterized; the only non-trivial query is
// the logs upsert, which merges the metadata JSON object on conflict
// instead of overwriting it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LogRecord mirrors the logs table (spec.md §3).
type LogRecord struct {
	LogID        string
	TS           time.Time
	SenderID     string
	Kind         string
	RoutedAgents []string
	Response     map[string]any
	Metadata     map[string]any
}

// DLQRecord mirrors the dlq table (spec.md §3).
type DLQRecord struct {
	ID       int64
	TS       time.Time
	LogID    string
	Reason   string
	Payload  map[string]any
	Attempts int
}

// DLQStatusReason is one bucket of the reasons breakdown in DLQStatus.
type DLQStatusReason struct {
	Reason string
	Count  int
}

// DLQStatus answers GET /dlq/status.
type DLQStatus struct {
	Count       int
	Oldest      *time.Time
	MaxAttempts int
	UniqueLogs  int
	Reasons     []DLQStatusReason
}

// Store is the pgx-backed persistence layer shared by the router core, the
// DLQ writer, and the replay worker.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetLog implements the dedupe probe: SELECT ... FROM logs WHERE log_id = $1.
// Returns nil, nil when no row exists.
func (s *Store) GetLog(ctx context.Context, logID string) (*LogRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT log_id, ts, sender_id, kind, routed_agents, response, metadata
		FROM logs WHERE log_id = $1
	`, logID)

	rec, err := scanLogRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get log %s: %w", logID, err)
	}
	return rec, nil
}

// UpsertLog inserts rec or, on a log_id conflict, overwrites the routing
// fields and merges metadata into the existing JSON object
// (metadata = logs.metadata || excluded.metadata), per spec.md invariant 2.
func (s *Store) UpsertLog(ctx context.Context, rec LogRecord) error {
	agentsJSON, err := json.Marshal(rec.RoutedAgents)
	if err != nil {
		return fmt.Errorf("store: marshal routed_agents: %w", err)
	}
	responseJSON, err := json.Marshal(rec.Response)
	if err != nil {
		return fmt.Errorf("store: marshal response: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO logs (log_id, ts, sender_id, kind, routed_agents, response, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (log_id) DO UPDATE SET
			ts            = excluded.ts,
			sender_id     = excluded.sender_id,
			kind          = excluded.kind,
			routed_agents = excluded.routed_agents,
			response      = excluded.response,
			metadata      = logs.metadata || excluded.metadata
	`, rec.LogID, rec.TS, rec.SenderID, rec.Kind, agentsJSON, responseJSON, metadataJSON)
	if err != nil {
		return fmt.Errorf("store: upsert log %s: %w", rec.LogID, err)
	}
	return nil
}

// ListLogsBySender returns the most recent logs for senderID, newest first.
func (s *Store) ListLogsBySender(ctx context.Context, senderID string, limit, offset int) ([]LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, ts, sender_id, kind, routed_agents, response, metadata
		FROM logs WHERE sender_id = $1
		ORDER BY ts DESC
		LIMIT $2 OFFSET $3
	`, senderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list logs for %s: %w", senderID, err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		rec, err := scanLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan log row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// InsertDLQ writes a new dlq row with attempts=0.
func (s *Store) InsertDLQ(ctx context.Context, logID, reason string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal dlq payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dlq (log_id, reason, payload, attempts)
		VALUES ($1, $2, $3, 0)
	`, logID, reason, payloadJSON)
	if err != nil {
		return fmt.Errorf("store: insert dlq row for %s: %w", logID, err)
	}
	return nil
}

// FetchDLQBatch returns up to limit rows ordered oldest-and-least-retried
// first, per spec.md §4.11 step 3.
func (s *Store) FetchDLQBatch(ctx context.Context, limit int) ([]DLQRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, log_id, reason, payload, attempts
		FROM dlq
		ORDER BY ts ASC, attempts ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch dlq batch: %w", err)
	}
	defer rows.Close()

	var out []DLQRecord
	for rows.Next() {
		rec, err := scanDLQRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan dlq row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteDLQ removes a row, on successful replay or dedupe hit.
func (s *Store) DeleteDLQ(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dlq WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete dlq row %d: %w", id, err)
	}
	return nil
}

// IncrementDLQAttempts bumps attempts on a failed replay, per spec.md
// invariant 4 (attempts is monotonically non-decreasing).
func (s *Store) IncrementDLQAttempts(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE dlq SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: increment dlq attempts for %d: %w", id, err)
	}
	return nil
}

// CountDLQ reports the current backlog size, used for the dlq_backlog gauge.
func (s *Store) CountDLQ(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count dlq: %w", err)
	}
	return count, nil
}

// DLQStatusSummary answers GET /dlq/status.
func (s *Store) DLQStatusSummary(ctx context.Context) (*DLQStatus, error) {
	status := &DLQStatus{}

	var oldest *time.Time
	var maxAttempts *int
	var uniqueLogs *int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), min(ts), max(attempts), count(DISTINCT log_id)
		FROM dlq
	`).Scan(&status.Count, &oldest, &maxAttempts, &uniqueLogs)
	if err != nil {
		return nil, fmt.Errorf("store: dlq status summary: %w", err)
	}
	status.Oldest = oldest
	if maxAttempts != nil {
		status.MaxAttempts = *maxAttempts
	}
	if uniqueLogs != nil {
		status.UniqueLogs = *uniqueLogs
	}

	rows, err := s.pool.Query(ctx, `
		SELECT reason, count(*) FROM dlq GROUP BY reason ORDER BY reason
	`)
	if err != nil {
		return nil, fmt.Errorf("store: dlq status reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r DLQStatusReason
		if err := rows.Scan(&r.Reason, &r.Count); err != nil {
			return nil, fmt.Errorf("store: scan dlq status reason: %w", err)
		}
		status.Reasons = append(status.Reasons, r)
	}
	return status, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogRow(row rowScanner) (*LogRecord, error) {
	var (
		rec          LogRecord
		agentsJSON   []byte
		responseJSON []byte
		metadataJSON []byte
	)
	if err := row.Scan(&rec.LogID, &rec.TS, &rec.SenderID, &rec.Kind, &agentsJSON, &responseJSON, &metadataJSON); err != nil {
		return nil, err
	}
	if len(agentsJSON) > 0 {
		if err := json.Unmarshal(agentsJSON, &rec.RoutedAgents); err != nil {
			return nil, fmt.Errorf("unmarshal routed_agents: %w", err)
		}
	}
	if len(responseJSON) > 0 {
		if err := json.Unmarshal(responseJSON, &rec.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

func scanDLQRow(row rowScanner) (*DLQRecord, error) {
	var (
		rec         DLQRecord
		payloadJSON []byte
	)
	if err := row.Scan(&rec.ID, &rec.TS, &rec.LogID, &rec.Reason, &payloadJSON, &rec.Attempts); err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal dlq payload: %w", err)
		}
	}
	return &rec, nil
}
