package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fileforge/internal/models"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPublishReachesSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newTestBroadcaster(t)

	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := models.ProgressEvent{JobID: "job-1", Status: models.StatusProcessing, Progress: 42}
	b.Publish(ctx, want)

	select {
	case got := <-sub.Events():
		if got != want {
			t.Fatalf("event = %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
}

func TestEventsAreScopedPerJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newTestBroadcaster(t)

	sub, err := b.Subscribe(ctx, "job-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	b.Publish(ctx, models.ProgressEvent{JobID: "job-b", Status: models.StatusProcessing, Progress: 10})
	b.Publish(ctx, models.ProgressEvent{JobID: "job-a", Status: models.StatusCompleted, Progress: 100})

	select {
	case got := <-sub.Events():
		if got.JobID != "job-a" {
			t.Fatalf("received another job's event: %+v", got)
		}
		if got.Status != models.StatusCompleted {
			t.Fatalf("status = %q", got.Status)
		}
	case <-ctx.Done():
		t.Fatalf("no event received")
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newTestBroadcaster(t)

	// Published before anyone listens: dropped, not replayed.
	b.Publish(ctx, models.ProgressEvent{JobID: "job-1", Status: models.StatusProcessing, Progress: 50})

	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case got := <-sub.Events():
		t.Fatalf("late subscriber received replayed event: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseEndsEventChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newTestBroadcaster(t)

	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("event after close")
		}
	case <-ctx.Done():
		t.Fatalf("event channel did not close")
	}
}
