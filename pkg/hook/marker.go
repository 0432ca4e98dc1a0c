package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticehq/lattice/pkg/action"
)

// MarkerStore records which (action id, trigger) pairs have been
// dispatched, across redeliveries and, with the Redis implementation,
// across processes.
type MarkerStore interface {
	// Mark records the pair and reports whether this call was the first.
	Mark(ctx context.Context, tenant action.TenantID, actionID string, trigger action.Trigger) (first bool, err error)
}

// MemoryMarkerStore is a process-local MarkerStore.
type MemoryMarkerStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{seen: make(map[string]struct{})}
}

func markerKey(tenant action.TenantID, actionID string, trigger action.Trigger) string {
	return fmt.Sprintf("%d:%s:%s", tenant, actionID, trigger)
}

func (s *MemoryMarkerStore) Mark(_ context.Context, tenant action.TenantID, actionID string, trigger action.Trigger) (bool, error) {
	key := markerKey(tenant, actionID, trigger)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// markerTTL bounds marker retention. Tokens older than this fail
// verification on expiry anyway, so redelivery past the TTL is harmless.
const markerTTL = 30 * 24 * time.Hour

// RedisMarkerStore shares processed markers between instances through
// Redis SETNX.
type RedisMarkerStore struct {
	client *redis.Client
	prefix string
}

func NewRedisMarkerStore(client *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: client, prefix: "lattice:hook:"}
}

func (s *RedisMarkerStore) Mark(ctx context.Context, tenant action.TenantID, actionID string, trigger action.Trigger) (bool, error) {
	key := s.prefix + markerKey(tenant, actionID, trigger)
	first, err := s.client.SetNX(ctx, key, 1, markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("hook: redis marker: %w", err)
	}
	return first, nil
}
