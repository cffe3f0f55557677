package store

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	redisdb "github.com/helloemzy/personal-brand-dna-sub000/internal/database/redis"
)

// postKeyPrefix namespaces the published-post markers in Redis.
const postKeyPrefix = "publish:external:"

// postKeyTTL keeps idempotency markers long enough to cover any plausible
// redelivery window without growing the keyspace forever.
const postKeyTTL = 7 * 24 * time.Hour

// PostStore records which publishing tasks already produced an external post.
// The publisher consults it before every platform call so that a redelivered
// task never creates a duplicate post.
type PostStore interface {
	// ExternalID returns the stored platform post id for a task, or "" when
	// the task has not been published yet.
	ExternalID(ctx context.Context, taskID string) (string, error)
	// MarkPublished records the platform post id for a task.
	MarkPublished(ctx context.Context, taskID, externalID string) error
}

// RedisPostStore keeps idempotency markers in Redis so they survive publisher
// restarts.
type RedisPostStore struct {
	rdb *redis.Client
}

func NewRedisPostStore(cfg *config.RedisConfig) (*RedisPostStore, error) {
	rdb, err := redisdb.GetClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisPostStore{rdb: rdb}, nil
}

func (s *RedisPostStore) ExternalID(ctx context.Context, taskID string) (string, error) {
	val, err := s.rdb.Get(ctx, postKeyPrefix+taskID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *RedisPostStore) MarkPublished(ctx context.Context, taskID, externalID string) error {
	return s.rdb.Set(ctx, postKeyPrefix+taskID, externalID, postKeyTTL).Err()
}

// MemoryPostStore is the in-process variant used by tests.
type MemoryPostStore struct {
	mu    sync.Mutex
	posts map[string]string
}

func NewMemoryPostStore() *MemoryPostStore {
	return &MemoryPostStore{posts: make(map[string]string)}
}

func (s *MemoryPostStore) ExternalID(_ context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[taskID], nil
}

func (s *MemoryPostStore) MarkPublished(_ context.Context, taskID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[taskID] = externalID
	return nil
}
