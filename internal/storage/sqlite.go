package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "shotsched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, task_id, url, trigger_by, status, reason, due, started_at, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.TaskID, r.URL, r.Trigger, r.Status, nullStr(r.Reason),
		nullTime(r.Due), r.StartedAt.UTC().Format(time.RFC3339Nano), r.DurationMS,
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT run_id, task_id, url, trigger_by, status, reason, due, started_at, duration_ms FROM runs`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			r       RunRecord
			reason  sql.NullString
			due     sql.NullString
			started string
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.URL, &r.Trigger, &r.Status, &reason, &due, &started, &r.DurationMS); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		if due.Valid {
			r.Due, _ = time.Parse(time.RFC3339Nano, due.String)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s: bad started_at: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
