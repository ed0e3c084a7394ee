// Package idempotency caches responses for mutating endpoints so a replayed
// request with the same Idempotency-Key returns the first outcome instead of
// repeating side effects.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is the stored outcome of the first request.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store keeps keyed responses in redis, TTL-bounded.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(route, idempotencyKey string) string {
	return fmt.Sprintf("idem:%s:%s", route, idempotencyKey)
}

// Get returns the cached response for the key, or nil when unseen.
func (s *Store) Get(ctx context.Context, route, idempotencyKey string) (*CachedResponse, error) {
	raw, err := s.client.Get(ctx, s.key(route, idempotencyKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("idempotency get: %w", err))
	}

	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("idempotency decode: %w", err))
	}
	return &cached, nil
}

// Save stores the response for later replays.
func (s *Store) Save(ctx context.Context, route, idempotencyKey string, status int, body []byte) error {
	raw, err := json.Marshal(CachedResponse{Status: status, Body: body})
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("idempotency encode: %w", err))
	}
	if err := s.client.Set(ctx, s.key(route, idempotencyKey), raw, s.ttl).Err(); err != nil {
		return apperrors.NewInternalError(fmt.Errorf("idempotency save: %w", err))
	}
	return nil
}
