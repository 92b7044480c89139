// Package session provides Redis-backed storage for refresh tokens, anonymous
// actor identities, and the diagnostic analytics buffer.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codeancestry/api/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	refreshPrefix = "refresh:"
	anonPrefix    = "anon:"
	analyticsKey  = "analytics:events"

	// AnalyticsCap bounds the diagnostic event buffer; older entries are
	// trimmed away.
	AnalyticsCap = 100
)

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AnalyticsEvent is one diagnostic event in the capped buffer.
type AnalyticsEvent struct {
	Event      string          `json:"event"`
	Properties json.RawMessage `json:"properties,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RedisStore implements refresh token, anonymous identity, and analytics
// storage using Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveRefreshSession stores a refresh token with expiration
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data := TokenData{
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}

	return nil
}

// LookupRefreshSession retrieves a refresh token and returns the bare user
// record; callers re-read the full user from the primary store when they need
// role or profile fields.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, refreshPrefix+tokenHash).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}

	return store.User{ID: data.UserID}, nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// EnsureAnonymous registers an anonymous actor id (or refreshes its TTL when
// already known). The id stays stable for as long as the client keeps
// presenting it; the sliding TTL mirrors the original's localStorage key,
// which only disappeared when the browser profile was cleared.
func (s *RedisStore) EnsureAnonymous(ctx context.Context, actorID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 180 * 24 * time.Hour
	}
	if err := s.client.Set(ctx, anonPrefix+actorID, time.Now().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("ensure anonymous actor: %w", err)
	}
	return nil
}

// KnownAnonymous reports whether the actor id has been seen before.
func (s *RedisStore) KnownAnonymous(ctx context.Context, actorID string) (bool, error) {
	exists, err := s.client.Exists(ctx, anonPrefix+actorID).Result()
	if err != nil {
		return false, fmt.Errorf("check anonymous actor: %w", err)
	}
	return exists > 0, nil
}

// AppendAnalyticsEvent pushes an event onto the capped diagnostic buffer.
func (s *RedisStore) AppendAnalyticsEvent(ctx context.Context, event AnalyticsEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, analyticsKey, jsonData)
	pipe.LTrim(ctx, analyticsKey, 0, AnalyticsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append analytics event: %w", err)
	}
	return nil
}

// ListAnalyticsEvents returns the buffered events, newest first.
func (s *RedisStore) ListAnalyticsEvents(ctx context.Context) ([]AnalyticsEvent, error) {
	raw, err := s.client.LRange(ctx, analyticsKey, 0, AnalyticsCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list analytics events: %w", err)
	}

	events := make([]AnalyticsEvent, 0, len(raw))
	for _, item := range raw {
		var event AnalyticsEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
