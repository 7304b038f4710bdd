package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fileforge/internal/models"
)

// SQLite is the default single-node backend. The connection pool is
// capped at one connection so every statement, including the claim
// update, executes serially against a WAL-mode database.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	filename TEXT NOT NULL,
	upload_path TEXT NOT NULL,
	options TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('queued','processing','completed','failed')),
	progress INTEGER NOT NULL DEFAULT 0,
	artifacts TEXT,
	error TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at);
`

// OpenSQLite opens (creating if necessary) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	optJSON, err := json.Marshal(p.Options)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal options: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, filename, upload_path, options, status, progress, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, p.ID, string(p.Type), p.Filename, p.UploadPath, string(optJSON), models.StatusQueued, p.TokenHash, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:         p.ID,
		Type:       p.Type,
		Filename:   p.Filename,
		UploadPath: p.UploadPath,
		Options:    p.Options,
		Status:     models.StatusQueued,
		TokenHash:  p.TokenHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const sqliteJobColumns = `id, job_type, filename, upload_path, options, status, progress, artifacts, error, token_hash, created_at, updated_at, completed_at`

// ClaimNext is a single conditional UPDATE, so two concurrent callers can
// never claim the same row: the subselect and the status flip happen in
// one statement.
func (s *SQLite) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	now := time.Now().UTC().UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1)
		RETURNING `+sqliteJobColumns+`
	`, models.StatusProcessing, now, models.StatusQueued)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim next: %w", err)
	}
	return job, true, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = ?
	`, progress, time.Now().UTC().UnixMilli(), id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *SQLite) Complete(ctx context.Context, id string, artifacts map[string]string) error {
	if len(artifacts) == 0 {
		return fmt.Errorf("complete job %s: no artifacts", id)
	}
	artJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	now := time.Now().UTC().UnixMilli()
	tag, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, artifacts = ?, error = '', updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusCompleted, string(artJSON), now, now, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireOneRow(tag, id)
}

func (s *SQLite) Fail(ctx context.Context, id string, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	now := time.Now().UTC().UnixMilli()
	tag, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusFailed, errMsg, now, now, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireOneRow(tag, id)
}

func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return collectSQLiteJobs(rows)
}

func (s *SQLite) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 0, updated_at = ? WHERE status = ?
	`, models.StatusQueued, time.Now().UTC().UnixMilli(), models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	n, _ := tag.RowsAffected()
	return int(n), nil
}

func (s *SQLite) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, models.StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func (s *SQLite) Expired(ctx context.Context, now time.Time, ttl, stuckTTL time.Duration) ([]models.Job, error) {
	terminalCutoff := now.Add(-ttl).UnixMilli()
	stuckCutoff := now.Add(-stuckTTL).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE (status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?)
		   OR (status = ? AND created_at < ?)
	`, models.StatusCompleted, models.StatusFailed, terminalCutoff, models.StatusQueued, stuckCutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return collectSQLiteJobs(rows)
}

func (s *SQLite) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		optJSON     string
		artJSON     sql.NullString
		createdMS   int64
		updatedMS   int64
		completedMS sql.NullInt64
	)
	err := row.Scan(&job.ID, &jobType, &job.Filename, &job.UploadPath, &optJSON, &job.Status,
		&job.Progress, &artJSON, &job.Error, &job.TokenHash, &createdMS, &updatedMS, &completedMS)
	if err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	if err := json.Unmarshal([]byte(optJSON), &job.Options); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if artJSON.Valid && artJSON.String != "" {
		if err := json.Unmarshal([]byte(artJSON.String), &job.Artifacts); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	job.CreatedAt = time.UnixMilli(createdMS).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func requireOneRow(tag sql.Result, id string) error {
	n, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s is not processing", id)
	}
	return nil
}
