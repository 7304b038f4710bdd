package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fileforge/internal/config"
	"fileforge/internal/ledger"
	"fileforge/internal/models"
)

// countingRunner marks jobs terminal and records how often each one ran.
type countingRunner struct {
	mu   sync.Mutex
	runs map[string]int
	led  ledger.Ledger
	slow time.Duration
}

func (r *countingRunner) Run(_ context.Context, job models.Job) error {
	r.mu.Lock()
	r.runs[job.ID]++
	r.mu.Unlock()
	if r.slow > 0 {
		time.Sleep(r.slow)
	}
	// Terminal writes survive shutdown, like the real pipeline's
	// completion path.
	return r.led.Complete(context.Background(), job.ID, map[string]string{"json": job.ID + "/result.json"})
}

func openTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	led, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return led
}

func TestPoolDrainsQueueEachJobOnce(t *testing.T) {
	ctx := context.Background()
	led := openTestLedger(t)

	const jobs = 12
	for i := 0; i < jobs; i++ {
		_, err := led.Create(ctx, ledger.CreateParams{
			ID: fmt.Sprintf("job-%02d", i), Type: models.TypeOCR,
			Filename: "a.pdf", UploadPath: "/tmp/a.pdf", TokenHash: "h",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	runner := &countingRunner{runs: map[string]int{}, led: led}
	pool := NewPool(config.Config{WorkerCount: 4, WorkerPollInterval: 10 * time.Millisecond}, led, runner)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		depth, err := led.QueueDepth(ctx)
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if depth == 0 {
			runner.mu.Lock()
			n := len(runner.runs)
			runner.mu.Unlock()
			if n == jobs {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained, depth=%d", depth)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.runs) != jobs {
		t.Fatalf("ran %d distinct jobs, want %d", len(runner.runs), jobs)
	}
	for id, n := range runner.runs {
		if n != 1 {
			t.Fatalf("job %s ran %d times", id, n)
		}
	}
	for id := range runner.runs {
		job, err := led.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status != models.StatusCompleted {
			t.Fatalf("job %s status = %s", id, job.Status)
		}
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	led := openTestLedger(t)
	runner := &countingRunner{runs: map[string]int{}, led: led}
	pool := NewPool(config.Config{WorkerCount: 2, WorkerPollInterval: 10 * time.Millisecond}, led, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop after cancel")
	}
}

func TestPoolFinishesInFlightJobOnCancel(t *testing.T) {
	ctx := context.Background()
	led := openTestLedger(t)
	if _, err := led.Create(ctx, ledger.CreateParams{
		ID: "slow-job", Type: models.TypeOCR, Filename: "a.pdf", UploadPath: "/tmp/a.pdf", TokenHash: "h",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	runner := &countingRunner{runs: map[string]int{}, led: led, slow: 100 * time.Millisecond}
	pool := NewPool(config.Config{WorkerCount: 1, WorkerPollInterval: 5 * time.Millisecond}, led, runner)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	// Give the worker time to claim, then cancel mid-job.
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	job, err := led.Get(ctx, "slow-job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("in-flight job abandoned with status %s", job.Status)
	}
}
