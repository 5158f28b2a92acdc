package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/truepast/truepast-backend/models"
)

const sessionKeyPrefix = "session:"

// RedisStore persists sessions as JSON values with a TTL, so idle sessions
// expire without a sweeper. Suitable when the bot runs behind a restart or
// across more than one process.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, identity string) (*models.UserSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+identity).Result()
	if err == redis.Nil {
		return models.NewUserSession(identity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session %s: %w", identity, err)
	}

	var session models.UserSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", identity, err)
	}
	return &session, nil
}

func (s *RedisStore) Put(ctx context.Context, session *models.UserSession) error {
	session.UpdatedAt = time.Now()
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.Identity, err)
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+session.Identity, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis put session %s: %w", session.Identity, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("redis delete session %s: %w", identity, err)
	}
	return nil
}
