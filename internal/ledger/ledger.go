// Package ledger is the durable record store for job metadata and
// lifecycle state. ClaimNext is the single mutual-exclusion point in the
// system: at most one worker ever owns a processing job.
package ledger

import (
	"context"
	"fmt"
	"time"

	"fileforge/internal/config"
	"fileforge/internal/models"
)

// CreateParams collects the inputs required to insert a queued job row.
type CreateParams struct {
	ID         string
	Type       models.JobType
	Filename   string
	UploadPath string
	Options    models.Options
	TokenHash  string
}

// Ledger persists job rows. Implementations must make ClaimNext an atomic
// conditional update and keep terminal states irreversible.
type Ledger interface {
	// Create inserts a queued row.
	Create(ctx context.Context, p CreateParams) (models.Job, error)
	// ClaimNext transitions exactly one queued job to processing and
	// returns it. ok is false when no job is waiting.
	ClaimNext(ctx context.Context) (job models.Job, ok bool, err error)
	// Get is read-only and side-effect-free.
	Get(ctx context.Context, id string) (models.Job, error)
	// UpdateProgress raises a processing job's progress. Values below the
	// stored progress are ignored so progress never regresses.
	UpdateProgress(ctx context.Context, id string, progress int) error
	// Complete records artifacts and moves the job to completed with
	// progress 100. Only valid while the job is processing.
	Complete(ctx context.Context, id string, artifacts map[string]string) error
	// Fail moves the job to failed with a human-readable error.
	Fail(ctx context.Context, id string, errMsg string) error
	// ListRecent returns up to limit jobs, newest first.
	ListRecent(ctx context.Context, limit int) ([]models.Job, error)
	// RecoverInFlight re-queues rows left processing by an unclean
	// shutdown. Called once at startup, before any worker runs.
	RecoverInFlight(ctx context.Context) (int, error)
	// QueueDepth counts queued jobs.
	QueueDepth(ctx context.Context) (int64, error)
	// Expired returns terminal jobs older than ttl and never-completed,
	// non-processing jobs older than stuckTTL.
	Expired(ctx context.Context, now time.Time, ttl, stuckTTL time.Duration) ([]models.Job, error)
	// Delete removes rows by id.
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// Open selects a backend from config.
func Open(ctx context.Context, cfg config.Config) (Ledger, error) {
	switch cfg.LedgerDriver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.LedgerPath())
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}
