// Package sqlite provides a SQLite-backed job store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/renderq/renderq/internal/queue"
)

const timeFormat = time.RFC3339Nano

// Store persists job rows in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates a SQLite-backed Store and provisions its schema. A schema
// provisioning failure is returned to the caller and must abort startup.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection; multiple connections each get
	// a separate empty database. Limit to one connection so schema setup and
	// queries all see the same data. URI forms like file::memory:?cache=shared
	// and file:x?mode=memory need the same guard.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ensureSchema creates the jobs table and adds the diagnostic columns when
// they are missing. SQLite has no ADD COLUMN IF NOT EXISTS, so presence is
// checked via the table_info pragma.
func (s *Store) ensureSchema(ctx context.Context) error {
	const create = `CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'Waiting',
		requested_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	)`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	existing, err := s.columnNames(ctx)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	additions := map[string]string{
		"success": "ALTER TABLE jobs ADD COLUMN success INTEGER NOT NULL DEFAULT 0",
		"error":   "ALTER TABLE jobs ADD COLUMN error TEXT",
	}
	for column, stmt := range additions {
		if existing[column] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: add column %s: %w", column, err)
		}
	}
	return nil
}

func (s *Store) columnNames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		names[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	return names, nil
}

// Insert appends a new Waiting job and returns its id.
func (s *Store) Insert(ctx context.Context, url string, requestedAt time.Time) (int64, error) {
	const query = `INSERT INTO jobs (url, state, requested_at) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, url, string(queue.StateWaiting), requestedAt.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert job id: %w", err)
	}
	return id, nil
}

// NextWaiting returns the oldest Waiting job, or nil when none exists.
func (s *Store) NextWaiting(ctx context.Context) (*queue.Job, error) {
	const query = `SELECT id, url, state, requested_at, started_at, finished_at, success, error
		FROM jobs WHERE state = ? ORDER BY id ASC LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, string(queue.StateWaiting)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next waiting job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions a job to Running and stamps startedAt.
func (s *Store) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	const query = `UPDATE jobs SET state = ?, started_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(queue.StateRunning), startedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return checkAffected(res)
}

// MarkExecuted stamps the terminal state and outcome for a job.
func (s *Store) MarkExecuted(ctx context.Context, id int64, finishedAt time.Time, success bool, errText string) error {
	var errVal any
	if errText != "" {
		errVal = errText
	}
	const query = `UPDATE jobs SET state = ?, finished_at = ?, success = ?, error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(queue.StateExecuted), finishedAt.UTC().Format(timeFormat), success, errVal, id)
	if err != nil {
		return fmt.Errorf("mark job executed: %w", err)
	}
	return checkAffected(res)
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]queue.Job, error) {
	const query = `SELECT id, url, state, requested_at, started_at, finished_at, success, error
		FROM jobs ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*queue.Job, error) {
	const query = `SELECT id, url, state, requested_at, started_at, finished_at, success, error
		FROM jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*queue.Job, error) {
	var (
		job          queue.Job
		state        string
		requestedStr string
		startedStr   sql.NullString
		finishedStr  sql.NullString
		errText      sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.URL,
		&state,
		&requestedStr,
		&startedStr,
		&finishedStr,
		&job.Success,
		&errText,
	); err != nil {
		return nil, err
	}

	job.State = queue.JobState(state)
	requestedAt, err := time.Parse(timeFormat, requestedStr)
	if err != nil {
		return nil, fmt.Errorf("parse requested_at: %w", err)
	}
	job.RequestedAt = requestedAt
	if startedStr.Valid {
		t, err := time.Parse(timeFormat, startedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if finishedStr.Valid {
		t, err := time.Parse(timeFormat, finishedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		job.FinishedAt = &t
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	return &job, nil
}
