// Package events delivers job progress to stream subscribers over Redis
// pub/sub. Delivery is best-effort and at-most-once: nothing is buffered
// or replayed, and a subscriber that connects after an event simply never
// sees it. Clients fall back to polling the ledger for the current
// snapshot.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"fileforge/internal/models"
)

const channelPrefix = "fileforge:events:"

// Broadcaster publishes and subscribes to per-job event channels.
type Broadcaster struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client}
}

func channelFor(jobID string) string {
	return channelPrefix + jobID
}

// Publish sends an event to whoever is currently listening. It is
// fire-and-forget: a failed publish is logged and never propagated, so a
// broken broker cannot stall a pipeline.
func (b *Broadcaster) Publish(ctx context.Context, ev models.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("events: marshal event job=%s: %v", ev.JobID, err)
		return
	}
	if err := b.client.Publish(ctx, channelFor(ev.JobID), payload).Err(); err != nil {
		log.Printf("events: publish job=%s: %v", ev.JobID, err)
	}
}

// Subscription is one subscriber's view of a job's event stream.
type Subscription struct {
	pubsub *redis.PubSub
	events chan models.ProgressEvent
}

// Events yields decoded events until the subscription closes.
func (s *Subscription) Events() <-chan models.ProgressEvent { return s.events }

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() error { return s.pubsub.Close() }

// Subscribe opens a push stream for one job. The returned channel closes
// when ctx is done or Close is called; undecodable payloads are dropped.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(jobID))
	// Force the SUBSCRIBE round-trip so a dead broker fails here, not on
	// the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe job %s: %w", jobID, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan models.ProgressEvent, 8),
	}
	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("events: decode event job=%s: %v", jobID, err)
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}
