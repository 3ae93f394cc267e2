package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventDedupStore implements ports.EventDedup using Redis SET NX. Providers
// retry webhook deliveries, so the same event ID can arrive more than once;
// claiming it here keeps reconciliation single-shot.
type EventDedupStore struct {
	client *goredis.Client
	prefix string
}

// NewEventDedupStore creates a new Redis-backed event dedup store.
func NewEventDedupStore(client *goredis.Client) *EventDedupStore {
	return &EventDedupStore{
		client: client,
		prefix: "provider-event:",
	}
}

// Claim atomically marks a provider event as seen. Returns true if this call
// claimed the event, false if it was already claimed.
func (s *EventDedupStore) Claim(ctx context.Context, provider, eventID string, ttl time.Duration) (bool, error) {
	key := s.prefix + provider + ":" + eventID
	result, err := s.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			// Key already exists — event was already processed
			return false, nil
		}
		return false, fmt.Errorf("redis event claim: %w", err)
	}
	return result == "OK", nil
}

// Release drops a claim so a failed handler run can be retried by the
// provider's next delivery.
func (s *EventDedupStore) Release(ctx context.Context, provider, eventID string) error {
	key := s.prefix + provider + ":" + eventID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis event release: %w", err)
	}
	return nil
}
