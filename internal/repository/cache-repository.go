package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis_v9 "github.com/redis/go-redis/v9"
)

// CacheRepository is the short-lived JSON/blob cache used for the teacher
// snapshot and teacher images.
type CacheRepository struct {
	client *redis_v9.Client
}

func NewCacheRepository(client *redis_v9.Client) *CacheRepository {
	return &CacheRepository{
		client: client,
	}
}

func (r *CacheRepository) SaveStructCached(ctx context.Context, key string, model any, ttl time.Duration) error {
	val, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("error saving struct to cache: %w", err)
	}
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("error saving struct to cache: %w", err)
	}
	return nil
}

// GetStructCached decodes the cached value into model. A miss is reported as
// (false, nil) so callers can fall through to the database.
func (r *CacheRepository) GetStructCached(ctx context.Context, key string, model any) (bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis_v9.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("error get struct in cache: %w", err)
	}
	if err := json.Unmarshal(val, model); err != nil {
		return false, fmt.Errorf("error decoding cached struct: %w", err)
	}
	return true, nil
}

func (r *CacheRepository) SaveBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("error saving bytes to cache: %w", err)
	}
	return nil
}

func (r *CacheRepository) GetBytes(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis_v9.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("error get bytes in cache: %w", err)
	}
	return val, nil
}

func (r *CacheRepository) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("error deleting cache key: %w", err)
	}
	return nil
}
