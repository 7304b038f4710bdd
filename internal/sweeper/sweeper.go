// Package sweeper reclaims storage from jobs nobody will come back
// for: terminal jobs past the retention TTL and queued jobs that sat
// unclaimed past the stuck TTL. Processing jobs are never touched.
package sweeper

import (
	"context"
	"log"
	"os"
	"time"

	"fileforge/internal/artifacts"
	"fileforge/internal/config"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
	"fileforge/internal/telemetry"
)

type Sweeper struct {
	cfg   config.Config
	led   ledger.Ledger
	store artifacts.Store
}

func New(cfg config.Config, led ledger.Ledger, store artifacts.Store) *Sweeper {
	return &Sweeper{cfg: cfg, led: led, store: store}
}

// Run sweeps on the configured interval until ctx is cancelled. One
// sweep run failing only delays reclamation to the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Printf("sweep: %v", err)
			} else if n > 0 {
				log.Printf("sweep: reclaimed %d jobs", n)
			}
		}
	}
}

// Sweep performs one pass and returns how many jobs were reclaimed.
// Artifacts are deleted before the row: if artifact removal fails the
// row survives and the next pass retries, so storage never leaks
// silently.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.led.Expired(ctx, time.Now(), s.cfg.RetentionTTL, s.cfg.StuckTTL)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var ids []string
	for _, job := range expired {
		if err := s.reclaim(ctx, job); err != nil {
			log.Printf("sweep job %s: %v", job.ID, err)
			continue
		}
		ids = append(ids, job.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.led.Delete(ctx, ids); err != nil {
		return 0, err
	}
	telemetry.SweptJobs.Add(float64(len(ids)))
	return len(ids), nil
}

func (s *Sweeper) reclaim(ctx context.Context, job models.Job) error {
	if len(job.Artifacts) > 0 {
		if err := s.store.RemovePrefix(ctx, job.ID); err != nil {
			return err
		}
	}
	// Stuck queued jobs still hold their upload on disk.
	if job.UploadPath != "" {
		if err := os.Remove(job.UploadPath); err != nil && !os.IsNotExist(err) {
			log.Printf("sweep job %s: remove upload: %v", job.ID, err)
		}
	}
	return nil
}
