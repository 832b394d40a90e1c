package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis_v9 "github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix = "voting:attempts:"
	banKeyPrefix     = "voting:ban:"
)

// AttemptRepository persists failure counters and bans in Redis so they hold
// across server instances and restarts. Counters use INCR, never a
// read-modify-write, so concurrent failures are all counted.
type AttemptRepository struct {
	client *redis_v9.Client
}

func NewAttemptRepository(client *redis_v9.Client) *AttemptRepository {
	return &AttemptRepository{
		client: client,
	}
}

// RegisterFailure bumps the failure counter for an identity and returns the
// new count. The first failure starts the rolling window.
func (r *AttemptRepository) RegisterFailure(ctx context.Context, identity string, window time.Duration) (int64, error) {
	key := attemptKeyPrefix + identity

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error incrementing attempt counter: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("error setting attempt window: %w", err)
		}
	}
	return count, nil
}

// Ban rejects all requests from the identity until the given time. The key
// expires on its own, which is what lifts the ban.
func (r *AttemptRepository) Ban(ctx context.Context, identity string, until time.Time, duration time.Duration) error {
	if err := r.client.Set(ctx, banKeyPrefix+identity, until.UTC().Format(time.RFC3339), duration).Err(); err != nil {
		return fmt.Errorf("error setting ban: %w", err)
	}
	if err := r.client.Del(ctx, attemptKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("error clearing attempt counter: %w", err)
	}
	return nil
}

// BannedUntil reports whether the identity is banned and when the ban lapses.
func (r *AttemptRepository) BannedUntil(ctx context.Context, identity string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, banKeyPrefix+identity).Result()
	if err != nil {
		if errors.Is(err, redis_v9.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("error reading ban: %w", err)
	}

	until, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("error decoding ban expiry: %w", err)
	}
	if time.Now().After(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Reset clears the failure counter after a success. It deliberately leaves
// any active ban in place: bans are time-based and never forgiven early.
func (r *AttemptRepository) Reset(ctx context.Context, identity string) error {
	if err := r.client.Del(ctx, attemptKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("error resetting attempt counter: %w", err)
	}
	return nil
}
