// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for jobs
// and their artifact files, including schema migrations and the atomic
// reset-for-retry transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"lowtide/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 2); err != nil {
			return err
		}
		cur = 2
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  app_id        TEXT NOT NULL,
  url           TEXT NOT NULL,
  original_url  TEXT NOT NULL,
  title         TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL CHECK (status IN ('queued','running','success','failed','cancelled','cleaned')),
  pid           INTEGER NULL,
  exit_code     INTEGER NULL,
  error_message TEXT NULL,
  created_at    TIMESTAMP NOT NULL,
  started_at    TIMESTAMP NULL,
  finished_at   TIMESTAMP NULL,
  archived      INTEGER NOT NULL DEFAULT 0,
  logs          TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_files (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  path       TEXT NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL,
  UNIQUE(job_id, path)
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_files_job ON job_files(job_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds the image_path column used by post-success enrichment.
// The column check keeps the migration idempotent for databases created
// before versioning was introduced.
func (s *Store) migrateToV2(ctx context.Context) error {
	has, err := s.hasColumn(ctx, "jobs", "image_path")
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN image_path TEXT NULL`)
	if err != nil {
		return fmt.Errorf("add image_path: %w", err)
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// --------------- Jobs ---------------

const jobColumns = `id, app_id, url, original_url, title, image_path, status, pid, exit_code, error_message, created_at, started_at, finished_at, archived, logs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		j        models.Job
		status   string
		imgPath  sql.NullString
		pid      sql.NullInt64
		exitCode sql.NullInt64
		errMsg   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
		archived int
	)
	err := r.Scan(&j.ID, &j.AppID, &j.URL, &j.OriginalURL, &j.Title, &imgPath, &status,
		&pid, &exitCode, &errMsg, &j.CreatedAt, &started, &finished, &archived, &j.Logs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	if imgPath.Valid {
		v := imgPath.String
		j.ImagePath = &v
	}
	if pid.Valid {
		v := int(pid.Int64)
		j.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.ErrorMessage = &v
	}
	if started.Valid {
		t := started.Time.UTC()
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		j.FinishedAt = &t
	}
	j.Archived = archived != 0
	return &j, nil
}

// InsertJob inserts a new queued job and returns its assigned id.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) (int64, error) {
	const ins = `
INSERT INTO jobs (app_id, url, original_url, title, status, created_at, archived, logs)
VALUES (?, ?, ?, ?, ?, ?, 0, '');`
	res, err := s.db.ExecContext(ctx, ins,
		job.AppID, job.URL, job.OriginalURL, job.Title, job.Status.String(), job.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert job id: %w", err)
	}
	job.ID = id
	return id, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// ListOptions narrows ListJobs results.
type ListOptions struct {
	// Status filters to a single status when non-empty.
	Status models.JobStatus
	// Limit caps the number of rows when > 0.
	Limit int
	// IncludeArchived includes archived jobs in the listing.
	IncludeArchived bool
}

// ListJobs returns jobs ordered newest first. Logs are not loaded.
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]models.Job, error) {
	q := `SELECT id, app_id, url, original_url, title, image_path, status, pid, exit_code, error_message, created_at, started_at, finished_at, archived, '' FROM jobs`
	var (
		conds []string
		args  []any
	)
	if opts.Status != "" {
		if !opts.Status.Valid() {
			return nil, fmt.Errorf("invalid status: %s", opts.Status)
		}
		conds = append(conds, "status=?")
		args = append(args, opts.Status.String())
	}
	if !opts.IncludeArchived {
		conds = append(conds, "archived=0")
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return out, nil
}

// NextQueuedJob returns the queued job with the smallest id (FIFO order),
// or ErrNotFound when the queue is empty. Archived jobs are out of the
// queue even when still queued.
func (s *Store) NextQueuedJob(ctx context.Context) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='queued' AND archived=0 ORDER BY id ASC LIMIT 1`
	return scanJob(s.db.QueryRowContext(ctx, q))
}

// MarkJobRunning transitions a job to running and records its start time.
func (s *Store) MarkJobRunning(ctx context.Context, id int64, startedAt time.Time) error {
	const upd = `UPDATE jobs SET status='running', started_at=?, finished_at=NULL, exit_code=NULL, error_message=NULL WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, startedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// SetJobPID records the child process id of a running job.
func (s *Store) SetJobPID(ctx context.Context, id int64, pid int) error {
	const upd = `UPDATE jobs SET pid=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, pid, id)
	if err != nil {
		return fmt.Errorf("set pid: %w", err)
	}
	return nil
}

// MarkJobSuccess transitions a job to success, clearing the pid and
// persisting the captured log buffer.
func (s *Store) MarkJobSuccess(ctx context.Context, id int64, finishedAt time.Time, exitCode int, logs string) error {
	const upd = `UPDATE jobs SET status='success', pid=NULL, exit_code=?, error_message=NULL, finished_at=?, logs=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, exitCode, finishedAt.UTC(), logs, id)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// MarkJobFailed transitions a job to failed with an error message.
// exitCode may be nil when the child never spawned.
func (s *Store) MarkJobFailed(ctx context.Context, id int64, finishedAt time.Time, exitCode *int, errMsg, logs string) error {
	const upd = `UPDATE jobs SET status='failed', pid=NULL, exit_code=?, error_message=?, finished_at=?, logs=? WHERE id=?`
	var ec any
	if exitCode != nil {
		ec = *exitCode
	}
	_, err := s.db.ExecContext(ctx, upd, ec, errMsg, finishedAt.UTC(), logs, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkJobCancelled transitions a job to cancelled.
func (s *Store) MarkJobCancelled(ctx context.Context, id int64, finishedAt time.Time, logs string) error {
	const upd = `UPDATE jobs SET status='cancelled', pid=NULL, finished_at=?, logs=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, finishedAt.UTC(), logs, id)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

// MarkJobCleaned transitions a terminal job to cleaned and deletes its
// job_files rows in one transaction. The files on disk are the caller's
// responsibility.
func (s *Store) MarkJobCleaned(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='cleaned' WHERE id=?`, id); err != nil {
			return fmt.Errorf("mark cleaned: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id=?`, id); err != nil {
			return fmt.Errorf("delete job files: %w", err)
		}
		return nil
	})
}

// ResetJobForRetry atomically returns a job to the queued state: clears
// timestamps, pid, exit code, error, logs and archived, and deletes all
// of its job_files rows.
func (s *Store) ResetJobForRetry(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='queued', pid=NULL, exit_code=NULL, error_message=NULL,
  started_at=NULL, finished_at=NULL, archived=0, logs=''
WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id=?`, id); err != nil {
			return fmt.Errorf("delete job files: %w", err)
		}
		return nil
	})
}

// ArchiveJob sets archived=true. Archiving is idempotent.
func (s *Store) ArchiveJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET archived=1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveFinishedJobs archives every terminal, not-yet-archived job and
// returns the number of rows changed.
func (s *Store) ArchiveFinishedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET archived=1 WHERE archived=0 AND status IN ('success','failed','cancelled','cleaned')`)
	if err != nil {
		return 0, fmt.Errorf("archive finished jobs: %w", err)
	}
	return res.RowsAffected()
}

// UpdateJobTitle replaces a job's title.
func (s *Store) UpdateJobTitle(ctx context.Context, id int64, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET title=? WHERE id=?`, title, id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return nil
}

// UpdateJobImagePath records the local thumbnail path for a job.
func (s *Store) UpdateJobImagePath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET image_path=? WHERE id=?`, path, id)
	if err != nil {
		return fmt.Errorf("update image path: %w", err)
	}
	return nil
}

// DeleteJob removes the job row; job_files rows cascade.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverRunningJobs rewrites rows left in the running state by a
// previous process to failed, clearing their pids. It returns the ids of
// the rewritten jobs.
func (s *Store) RecoverRunningJobs(ctx context.Context, errMsg string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status='running'`)
	if err != nil {
		return nil, fmt.Errorf("find running jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if err := s.MarkJobFailed(ctx, id, now, nil, errMsg, ""); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// --------------- Job files ---------------

// UpsertJobFile inserts or refreshes an artifact row keyed by
// (job_id, path). Concurrent watcher events coalesce on the unique index.
func (s *Store) UpsertJobFile(ctx context.Context, jobID int64, path string, sizeBytes int64, createdAt time.Time) error {
	const upsert = `
INSERT INTO job_files(job_id, path, size_bytes, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(job_id, path) DO UPDATE SET
  size_bytes=excluded.size_bytes,
  created_at=excluded.created_at;`
	_, err := s.db.ExecContext(ctx, upsert, jobID, path, sizeBytes, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert job file: %w", err)
	}
	return nil
}

// DeleteJobFileByPath removes one artifact row.
func (s *Store) DeleteJobFileByPath(ctx context.Context, jobID int64, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_files WHERE job_id=? AND path=?`, jobID, path)
	if err != nil {
		return fmt.Errorf("delete job file: %w", err)
	}
	return nil
}

// ListJobFiles returns a job's artifact rows ordered by path.
func (s *Store) ListJobFiles(ctx context.Context, jobID int64) ([]models.JobFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, path, size_bytes, created_at FROM job_files WHERE job_id=? ORDER BY path ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job files: %w", err)
	}
	defer rows.Close()

	var out []models.JobFile
	for rows.Next() {
		var f models.JobFile
		if err := rows.Scan(&f.ID, &f.JobID, &f.Path, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job file: %w", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job files rows: %w", err)
	}
	return out, nil
}

// JobFileExists reports whether an artifact row exists for (job_id, path).
func (s *Store) JobFileExists(ctx context.Context, jobID int64, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM job_files WHERE job_id=? AND path=?`, jobID, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("job file exists: %w", err)
	}
	return true, nil
}

// GetJobFileByID retrieves a single artifact row.
func (s *Store) GetJobFileByID(ctx context.Context, id int64) (*models.JobFile, error) {
	var f models.JobFile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, path, size_bytes, created_at FROM job_files WHERE id=?`, id).
		Scan(&f.ID, &f.JobID, &f.Path, &f.SizeBytes, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job file: %w", err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}
