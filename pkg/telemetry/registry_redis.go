package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"openattribution/pkg/errors"
)

// RedisResolver is a SessionResolver backed by a shared Redis instance, for
// deployments where stateless calls from one conversation land on different
// processes. Mappings expire after TTL so abandoned conversations do not
// accumulate.
type RedisResolver struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisResolver creates a resolver on top of an existing Redis client.
// A zero ttl defaults to 24h.
func NewRedisResolver(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisResolver {
	if keyPrefix == "" {
		keyPrefix = "openattribution:session:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisResolver{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// GetOrCreate returns the shared mapping for externalID, creating a session
// via start on first sight. Two processes racing on the same external id may
// both create a session; SetNX makes one mapping win and the loser's session
// simply stays open and unused, which the at-least-once model tolerates.
func (r *RedisResolver) GetOrCreate(ctx context.Context, externalID string, start StartFunc) (*uuid.UUID, error) {
	if externalID == "" {
		return start(ctx)
	}
	key := r.keyPrefix + externalID

	val, err := r.client.Get(ctx, key).Result()
	if err == nil {
		id, parseErr := uuid.Parse(val)
		if parseErr == nil {
			return &id, nil
		}
		// Corrupt mapping: drop it and fall through to creation
		_ = r.client.Del(ctx, key).Err()
	} else if err != redis.Nil {
		return nil, errors.Wrap(err, "failed to read session mapping")
	}

	id, err := start(ctx)
	if err != nil || id == nil {
		return id, err
	}

	ok, err := r.client.SetNX(ctx, key, id.String(), r.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to store session mapping")
	}
	if !ok {
		// Lost the race: use the winner's mapping
		val, err := r.client.Get(ctx, key).Result()
		if err == nil {
			if winner, parseErr := uuid.Parse(val); parseErr == nil {
				return &winner, nil
			}
		}
	}
	return id, nil
}

// Forget removes the shared mapping for externalID.
func (r *RedisResolver) Forget(ctx context.Context, externalID string) error {
	if externalID == "" {
		return nil
	}
	if err := r.client.Del(ctx, r.keyPrefix+externalID).Err(); err != nil {
		return errors.Wrap(err, "failed to delete session mapping")
	}
	return nil
}
