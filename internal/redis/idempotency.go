package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// EventDedupTTL covers redelivery of the same inventory change across topics.
	EventDedupTTL = 10 * time.Minute

	reservedMarker = "reserved"
)

// IdempotencyService reserves keys with SET NX so that only the first caller
// within a TTL proceeds. Used for intake dedup and rule frequency throttling.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	scope  string
}

// NewIdempotencyService creates a guard whose keys are namespaced by scope.
func NewIdempotencyService(client *Client, logger *zap.Logger, scope string) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger, scope: scope}
}

func (s *IdempotencyService) buildKey(key string) string {
	return fmt.Sprintf("idempotency:%s:%s", s.scope, key)
}

// Reserve returns true if key was free and is now held for ttl.
func (s *IdempotencyService) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(key), reservedMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("idempotency key already reserved",
			zap.String("scope", s.scope),
			zap.String("key", key),
		)
	}
	return set, nil
}

// Release drops a reservation early, e.g. when processing failed before any side effect.
func (s *IdempotencyService) Release(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
