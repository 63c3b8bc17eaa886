package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/minionctl/pkg/api"
)

// Store is a SQLite-backed run history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Master     string
	HostCount  int
	Status     api.RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
}

// HostRecord is one row of the host_results table.
type HostRecord struct {
	Seq      int
	Target   api.HostTarget
	Distro   string
	Status   api.HostStatus
	Error    string
	Duration time.Duration
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("mkdir history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases and pragmas consistent.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) BeginRun(ctx context.Context, master string, hosts int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, master, host_count, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, master, hosts, string(api.RunRunning), s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordHost upserts the result for position seq of the run.
func (s *Store) RecordHost(ctx context.Context, runID string, seq int, res api.HostResult) error {
	var msg string
	if res.Err != nil {
		msg = res.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO host_results (run_id, seq, host, username, port, distro, status, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, seq) DO UPDATE SET
		   distro = excluded.distro, status = excluded.status,
		   error = excluded.error, duration_ms = excluded.duration_ms`,
		runID, seq, res.Target.Host, res.Target.User, res.Target.Port, res.Distro,
		string(res.Status), msg, res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert host result: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status api.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), s.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, master, host_count, status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Master, &r.HostCount, &status, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = api.RunStatus(status)
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) HostResults(ctx context.Context, runID string) ([]HostRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, host, username, port, distro, status, error, duration_ms
		 FROM host_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query host results: %w", err)
	}
	defer rows.Close()
	var out []HostRecord
	for rows.Next() {
		var h HostRecord
		var status string
		var ms int64
		if err := rows.Scan(&h.Seq, &h.Target.Host, &h.Target.User, &h.Target.Port, &h.Distro, &status, &h.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan host result: %w", err)
		}
		h.Status = api.HostStatus(status)
		h.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}
