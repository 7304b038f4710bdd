package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fileforge/internal/models"
)

// Postgres backs the ledger with a pgx pool. Claim atomicity comes from
// FOR UPDATE SKIP LOCKED, so multiple processes can share one database
// without a double-claim window.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	filename TEXT NOT NULL,
	upload_path TEXT NOT NULL,
	options JSONB NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('queued','processing','completed','failed')),
	progress INT NOT NULL DEFAULT 0,
	artifacts JSONB,
	error TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at);
`

// OpenPostgres creates a pooled connection and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, params CreateParams) (models.Job, error) {
	optJSON, err := json.Marshal(params.Options)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal options: %w", err)
	}
	now := time.Now().UTC()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, filename, upload_path, options, status, progress, token_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, params.ID, string(params.Type), params.Filename, params.UploadPath, optJSON, models.StatusQueued, params.TokenHash, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:         params.ID,
		Type:       params.Type,
		Filename:   params.Filename,
		UploadPath: params.UploadPath,
		Options:    params.Options,
		Status:     models.StatusQueued,
		TokenHash:  params.TokenHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const pgJobColumns = `id, job_type, filename, upload_path, options, status, progress, artifacts, error, token_hash, created_at, updated_at, completed_at`

func (p *Postgres) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs WHERE status = $2
			ORDER BY created_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns+`
	`, models.StatusProcessing, models.StatusQueued)

	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim next: %w", err)
	}
	return job, true, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $1), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, progress, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (p *Postgres) Complete(ctx context.Context, id string, artifacts map[string]string) error {
	if len(artifacts) == 0 {
		return fmt.Errorf("complete job %s: no artifacts", id)
	}
	artJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, progress = 100, artifacts = $2, error = '', updated_at = NOW(), completed_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.StatusCompleted, artJSON, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not processing", id)
	}
	return nil
}

func (p *Postgres) Fail(ctx context.Context, id string, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.StatusFailed, errMsg, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not processing", id)
	}
	return nil
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return collectPGJobs(rows)
}

func (p *Postgres) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, progress = 0, updated_at = NOW() WHERE status = $2
	`, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) Expired(ctx context.Context, now time.Time, ttl, stuckTTL time.Duration) ([]models.Job, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM jobs
		WHERE (status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3)
		   OR (status = $4 AND created_at < $5)
	`, models.StatusCompleted, models.StatusFailed, now.Add(-ttl), models.StatusQueued, now.Add(-stuckTTL))
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return collectPGJobs(rows)
}

func (p *Postgres) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

func scanPGJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		optJSON     []byte
		artJSON     []byte
		completedAt *time.Time
	)
	err := row.Scan(&job.ID, &jobType, &job.Filename, &job.UploadPath, &optJSON, &job.Status,
		&job.Progress, &artJSON, &job.Error, &job.TokenHash, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	if err := json.Unmarshal(optJSON, &job.Options); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if len(artJSON) > 0 {
		if err := json.Unmarshal(artJSON, &job.Artifacts); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	job.CompletedAt = completedAt
	return job, nil
}

func collectPGJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
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
