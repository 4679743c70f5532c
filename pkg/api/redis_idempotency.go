package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps cached responses in Redis so replays are
// deduplicated across API replicas. Entries expire via Redis TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a store backed by Redis.
func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration) *RedisIdempotencyStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisIdempotencyStore{client: rdb, ttl: ttl}
}

func idempotencyRedisKey(key string) string {
	return "idempotency:" + key
}

// Check returns a cached response if one exists.
func (s *RedisIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	raw, err := s.client.Get(context.Background(), idempotencyRedisKey(key)).Bytes()
	if err != nil {
		// redis.Nil and transport errors alike: treat as a miss, the
		// handler will simply run again.
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// Set stores a response under the idempotency key.
func (s *RedisIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	raw, err := json.Marshal(&CachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = s.client.Set(context.Background(), idempotencyRedisKey(key), raw, s.ttl).Err()
}
