// Package idempotency remembers the result of committed transitions so that a
// retried request carrying the same idempotency key is answered without
// running the transition a second time.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/lifecycle/model"
)

// Store provides deduplication for transition requests.
// The key format is "idem:{organizationId}:{entityType}:{entityId}:{key}", see Key.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// request hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, requestHash string) (result *model.TransitionResult, found bool, err error)

	// Save stores a transition result keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, requestHash string, result model.TransitionResult, ttl time.Duration) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	RequestHash string                 `json:"request_hash"`
	Result      model.TransitionResult `json:"result"`
}

// Key builds the idempotency key for a client-supplied key scoped to one
// entity. Organization is part of the key so tenants cannot collide.
func Key(ref model.EntityRef, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", ref.OrganizationID, ref.EntityType, ref.EntityID, clientKey)
}

// HashRequest fingerprints the parts of a transition request that decide its
// outcome. Two requests with the same key and a different hash conflict.
func HashRequest(req model.TransitionRequest) string {
	data, _ := json.Marshal(struct {
		Current model.State `json:"current"`
		Target  model.State `json:"target"`
		ActorID string      `json:"actor_id"`
		Role    model.Role  `json:"role"`
		Comment string      `json:"comment"`
	}{req.CurrentState, req.TargetState, req.Actor.ID, req.Actor.Role, req.Comment})
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result. Expired entries are dropped on read.
func (s *MemoryStore) Check(_ context.Context, key string, requestHash string) (*model.TransitionResult, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}

	result := e.data.Result
	return &result, true, nil
}

// Save stores a result with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{RequestHash: requestHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Entries expire through Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, requestHash string) (*model.TransitionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.RequestHash != requestHash {
		return nil, true, conflict(key)
	}

	return &e.Result, true, nil
}

// Save stores a result in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
