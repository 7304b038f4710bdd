// Package worker runs the fixed pool of job goroutines. Each worker
// claims from the ledger, runs the pipeline, and only then claims
// again, so the pool size is the concurrency ceiling for whole jobs.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"fileforge/internal/config"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
	"fileforge/internal/telemetry"
)

// JobRunner processes one claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job models.Job) error
}

// Pool owns the worker goroutines.
type Pool struct {
	cfg    config.Config
	led    ledger.Ledger
	runner JobRunner
}

func NewPool(cfg config.Config, led ledger.Ledger, runner JobRunner) *Pool {
	return &Pool{cfg: cfg, led: led, runner: runner}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if depth, err := p.led.QueueDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, ok, err := p.led.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: claim: %v", id, err)
			p.sleep(ctx, poll)
			continue
		}
		if !ok {
			p.sleep(ctx, poll)
			continue
		}

		log.Printf("worker %d: job %s (%s) started", id, job.ID, job.Type)
		telemetry.JobsInFlight.Inc()
		start := time.Now()
		if err := p.runner.Run(ctx, job); err != nil {
			log.Printf("worker %d: job %s failed after %s: %v", id, job.ID, time.Since(start).Round(time.Millisecond), err)
		} else {
			log.Printf("worker %d: job %s completed in %s", id, job.ID, time.Since(start).Round(time.Millisecond))
		}
		telemetry.JobsInFlight.Dec()
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
