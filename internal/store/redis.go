package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for session checkpoints
	sessionKeyPrefix = "personapipe:session:"
	// Set of user ids with a checkpoint
	sessionIndexKey = "personapipe:sessions"
	// DefaultSessionTTL expires checkpoints of users who never come back.
	DefaultSessionTTL = 30 * 24 * time.Hour
)

// RedisSessionStore keeps session checkpoints in Redis as JSON values with a TTL.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Compile-time check that RedisSessionStore implements SessionCheckpointer.
var _ SessionCheckpointer = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to the Redis server at url (redis://...) and verifies it
// with a PING.
func NewRedisSessionStore(ctx context.Context, url string, ttl time.Duration) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisSessionStore.NewRedisSessionStore: connected", "addr", opts.Addr)
	return NewRedisSessionStoreWithClient(client, ttl), nil
}

// NewRedisSessionStoreWithClient wraps an existing client.
func NewRedisSessionStoreWithClient(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

// SaveSessions writes every session in one pipeline and refreshes TTLs.
func (s *RedisSessionStore) SaveSessions(ctx context.Context, sessions []models.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range sessions {
			val, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("failed to marshal session %s: %w", sess.UserID, err)
			}
			pipe.Set(ctx, s.key(sess.UserID), val, s.ttl)
			pipe.SAdd(ctx, sessionIndexKey, sess.UserID)
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisSessionStore SaveSessions failed", "error", err, "count", len(sessions))
		return fmt.Errorf("failed to checkpoint sessions: %w", err)
	}
	slog.Debug("RedisSessionStore SaveSessions succeeded", "count", len(sessions))
	return nil
}

// LoadSessions reads every indexed checkpoint. Expired entries are pruned from the index.
func (s *RedisSessionStore) LoadSessions(ctx context.Context) ([]models.Session, error) {
	ids, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	var out []models.Session
	var expired []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		sess, err := decodeSession([]byte(str))
		if err != nil {
			slog.Warn("RedisSessionStore LoadSessions: skipping undecodable checkpoint", "userID", ids[i], "error", err)
			continue
		}
		out = append(out, sess)
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, sessionIndexKey, expired...).Err(); err != nil {
			slog.Warn("RedisSessionStore LoadSessions: failed to prune index", "error", err)
		}
	}
	return out, nil
}

// GetSession returns one checkpoint, or ErrNotFound.
func (s *RedisSessionStore) GetSession(ctx context.Context, userID string) (models.Session, error) {
	val, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return decodeSession([]byte(val))
}

// DeleteSession removes one checkpoint.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(userID))
		pipe.SRem(ctx, sessionIndexKey, userID)
		return nil
	})
	return err
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) key(userID string) string {
	return sessionKeyPrefix + userID
}
