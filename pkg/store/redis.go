package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

const redisKeyPrefix = "agentgate:servers:"

// Redis keeps each user's specs in one hash, field = server_id, value = the
// spec as JSON. Suited to deployments without AWS access.
type Redis struct {
	client redis.UniversalClient
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func userKey(userID string) string {
	return redisKeyPrefix + userID
}

func (r *Redis) Put(ctx context.Context, userID string, spec models.ServerSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshaling spec: %w", err)
	}
	if err := r.client.HSet(ctx, userKey(userID), spec.ServerID, payload).Err(); err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrUnavailable, userID, spec.ServerID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, userID, serverID string) (models.ServerSpec, error) {
	raw, err := r.client.HGet(ctx, userKey(userID), serverID).Result()
	if err == redis.Nil {
		return models.ServerSpec{}, ErrNotFound
	}
	if err != nil {
		return models.ServerSpec{}, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, userID, serverID, err)
	}
	var spec models.ServerSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return models.ServerSpec{}, fmt.Errorf("unmarshaling spec %s/%s: %w", userID, serverID, err)
	}
	return spec, nil
}

func (r *Redis) Delete(ctx context.Context, userID, serverID string) error {
	if err := r.client.HDel(ctx, userKey(userID), serverID).Err(); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrUnavailable, userID, serverID, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, userID string) ([]models.ServerSpec, error) {
	raw, err := r.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, userID, err)
	}
	specs := make([]models.ServerSpec, 0, len(raw))
	for serverID, payload := range raw {
		var spec models.ServerSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("unmarshaling spec %s/%s: %w", userID, serverID, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r *Redis) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: list users: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			users = append(users, strings.TrimPrefix(key, redisKeyPrefix))
		}
		if next == 0 {
			return users, nil
		}
		cursor = next
	}
}
