package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentmesh/internal/domain/entities"
)

// RedisStore persists agent state in Redis under a key prefix. Each snapshot
// is one JSON value; SET is the single-statement upsert that keeps the write
// path atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig configures a RedisStore
type RedisStoreConfig struct {
	URL    string
	Prefix string
	// TTL expires abandoned snapshots; 0 keeps them forever
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentmesh:state:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) key(agentID string) string {
	return s.prefix + agentID
}

// Get returns the last saved state, or nil when none exists
func (s *RedisStore) Get(ctx context.Context, agentID string) (*entities.SavedState, error) {
	data, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %q: %w", agentID, err)
	}
	state := &entities.SavedState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %q: %w", agentID, err)
	}
	return state, nil
}

// Save upserts the snapshot
func (s *RedisStore) Save(ctx context.Context, agentID string, state *entities.SavedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", agentID, err)
	}
	if err := s.client.Set(ctx, s.key(agentID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state for %q: %w", agentID, err)
	}
	return nil
}

// Delete wipes the snapshot
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, s.key(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state for %q: %w", agentID, err)
	}
	return nil
}

// List returns the ids with saved state
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan state keys: %w", err)
	}
	return ids, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
