// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderq/renderq/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists job rows in Postgres.
type Store struct {
	pool  pool
	table string
}

// New creates a Postgres-backed Store and provisions its schema. A schema
// provisioning failure is returned to the caller and must abort startup.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing). The schema is not provisioned.
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table and provisions the diagnostic columns.
// Older deployments predate the success/error columns, so they are added
// separately.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	url TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'Waiting',
	requested_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS success BOOLEAN NOT NULL DEFAULT FALSE`, s.table),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS error TEXT`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert appends a new Waiting job and returns its id.
func (s *Store) Insert(ctx context.Context, url string, requestedAt time.Time) (int64, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (url, state, requested_at) VALUES ($1, $2, $3) RETURNING id`,
		s.table,
	)
	var id int64
	if err := s.pool.QueryRow(ctx, query, url, string(queue.StateWaiting), requestedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// NextWaiting returns the oldest Waiting job, or nil when none exists.
func (s *Store) NextWaiting(ctx context.Context) (*queue.Job, error) {
	query := fmt.Sprintf(
		`SELECT id, url, state, requested_at, started_at, finished_at, success, error
FROM %s WHERE state = $1 ORDER BY id ASC LIMIT 1`,
		s.table,
	)
	job, err := scanJob(s.pool.QueryRow(ctx, query, string(queue.StateWaiting)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next waiting job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions a job to Running and stamps startedAt.
func (s *Store) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET state = $1, started_at = $2 WHERE id = $3`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, string(queue.StateRunning), startedAt, id)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// MarkExecuted stamps the terminal state and outcome for a job.
func (s *Store) MarkExecuted(ctx context.Context, id int64, finishedAt time.Time, success bool, errText string) error {
	var errVal *string
	if errText != "" {
		errVal = &errText
	}
	query := fmt.Sprintf(
		`UPDATE %s SET state = $1, finished_at = $2, success = $3, error = $4 WHERE id = $5`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, string(queue.StateExecuted), finishedAt, success, errVal, id)
	if err != nil {
		return fmt.Errorf("mark job executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]queue.Job, error) {
	query := fmt.Sprintf(
		`SELECT id, url, state, requested_at, started_at, finished_at, success, error
FROM %s ORDER BY id DESC`,
		s.table,
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

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
	query := fmt.Sprintf(
		`SELECT id, url, state, requested_at, started_at, finished_at, success, error
FROM %s WHERE id = $1`,
		s.table,
	)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		job   queue.Job
		state string
	)
	if err := row.Scan(
		&job.ID,
		&job.URL,
		&state,
		&job.RequestedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.Success,
		&job.Error,
	); err != nil {
		return nil, err
	}
	job.State = queue.JobState(state)
	return &job, nil
}
