package nullifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"onchainkyc/internal/kyc/models"
)

// nullifierHashKey holds every spent nullifier; entries never expire.
const nullifierHashKey = "kyc:nullifiers"

type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// ReserveIfUnused relies on HSETNX being atomic on the server.
func (s *RedisStore) ReserveIfUnused(ctx context.Context, rec models.NullifierRecord) (*models.NullifierRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal nullifier: %w", err)
	}
	set, err := s.client.HSetNX(ctx, nullifierHashKey, rec.Nullifier, data).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve nullifier: %w", err)
	}
	if set {
		return nil, nil
	}
	existing, err := s.Find(ctx, rec.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("load nullifier holder: %w", err)
	}
	return existing, ErrAlreadyConsumed
}

func (s *RedisStore) Find(ctx context.Context, nullifier string) (*models.NullifierRecord, error) {
	data, err := s.client.HGet(ctx, nullifierHashKey, nullifier).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find nullifier: %w", err)
	}
	var rec models.NullifierRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal nullifier: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, nullifierHashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count nullifiers: %w", err)
	}
	return n, nil
}
