package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voting-service/internal/models"

	redis_v9 "github.com/redis/go-redis/v9"
)

const challengeKeyPrefix = "voting:challenge:"

// ChallengeRepository holds challenge sessions in Redis under their token
// with a native TTL. An expired session reads as absent, so no sweeper is
// needed for correctness.
type ChallengeRepository struct {
	client *redis_v9.Client
}

func NewChallengeRepository(client *redis_v9.Client) *ChallengeRepository {
	return &ChallengeRepository{
		client: client,
	}
}

func (r *ChallengeRepository) Put(ctx context.Context, token string, session *models.ChallengeSession, ttl time.Duration) error {
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("error saving challenge session: %w", err)
	}
	if err := r.client.Set(ctx, challengeKeyPrefix+token, val, ttl).Err(); err != nil {
		return fmt.Errorf("error saving challenge session: %w", err)
	}
	return nil
}

// Get returns (nil, nil) for a token that is unknown or expired.
func (r *ChallengeRepository) Get(ctx context.Context, token string) (*models.ChallengeSession, error) {
	val, err := r.client.Get(ctx, challengeKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis_v9.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading challenge session: %w", err)
	}

	var session models.ChallengeSession
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("error decoding challenge session: %w", err)
	}
	return &session, nil
}

// TTL reports the remaining lifetime of a session, zero when absent.
func (r *ChallengeRepository) TTL(ctx context.Context, token string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, challengeKeyPrefix+token).Result()
	if err != nil {
		return 0, fmt.Errorf("error reading challenge ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *ChallengeRepository) Invalidate(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, challengeKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("error invalidating challenge session: %w", err)
	}
	return nil
}
