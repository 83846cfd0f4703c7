package bench

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lifecycled/pkg/types"
)

// schemaVersion is stored in PRAGMA user_version. Increment it when the
// schema changes and add a migration step to init.
const schemaVersion = 1

type sqliteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) a benchmark database at path.
func OpenSQLite(path string) (Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &sqliteStore{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) init() error {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS benchmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id TEXT NOT NULL,
		hardware TEXT NOT NULL DEFAULT '{}',
		tokens_generated INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		first_token_latency_ns INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_benchmarks_model ON benchmarks(model_id, recorded_at);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *sqliteStore) Append(ctx context.Context, recs []types.BenchmarkRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO benchmarks
		(model_id, hardware, tokens_generated, duration_ns, first_token_latency_ns, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range recs {
		hw, err := json.Marshal(r.Hardware)
		if err != nil {
			return fmt.Errorf("encode hardware: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ModelID, string(hw), r.TokensGenerated,
			int64(r.Duration), int64(r.FirstTokenLatency), r.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert benchmark: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) List(ctx context.Context, modelID string, limit int) ([]types.BenchmarkRecord, error) {
	q := `SELECT model_id, hardware, tokens_generated, duration_ns, first_token_latency_ns, recorded_at
		FROM benchmarks WHERE model_id = ? ORDER BY recorded_at DESC, id DESC`
	args := []any{modelID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query benchmarks: %w", err)
	}
	defer rows.Close()
	var out []types.BenchmarkRecord
	for rows.Next() {
		var (
			r          types.BenchmarkRecord
			hw         string
			dur, ttft  int64
			recordedAt int64
		)
		if err := rows.Scan(&r.ModelID, &hw, &r.TokensGenerated, &dur, &ttft, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan benchmark: %w", err)
		}
		if err := json.Unmarshal([]byte(hw), &r.Hardware); err != nil {
			return nil, fmt.Errorf("decode hardware: %w", err)
		}
		r.Duration = time.Duration(dur)
		r.FirstTokenLatency = time.Duration(ttft)
		r.Timestamp = time.Unix(0, recordedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}
