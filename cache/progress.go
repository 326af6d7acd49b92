package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultProgressTTL = 24 * time.Hour
	progressKeyPrefix  = "pipeline:progress:"
)

// ProgressSnapshot is the latest production.progress seen for an order.
// Only the newest snapshot is kept; there is no history.
type ProgressSnapshot struct {
	OrderID   string    `json:"order_id"`
	JobID     string    `json:"job_id,omitempty"`
	Percent   int       `json:"percent"`
	Phase     string    `json:"phase"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProgressStore interface {
	Set(ctx context.Context, snap *ProgressSnapshot) error
	// Get returns nil without error when nothing was recorded.
	Get(ctx context.Context, orderID string) (*ProgressSnapshot, error)
	Delete(ctx context.Context, orderID string) error
}

type RedisProgressStore struct {
	client *redis.Client
	ttl    time.Duration
}

func CreateRedisProgressStore(client *redis.Client, ttl time.Duration) *RedisProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisProgressStore{client: client, ttl: ttl}
}

func (s *RedisProgressStore) Set(ctx context.Context, snap *ProgressSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, progressKeyPrefix+snap.OrderID, body, s.ttl).Err()
}

func (s *RedisProgressStore) Get(ctx context.Context, orderID string) (*ProgressSnapshot, error) {
	body, err := s.client.Get(ctx, progressKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap ProgressSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisProgressStore) Delete(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, progressKeyPrefix+orderID).Err()
}

// MemoryProgressStore serves single-process deployments and tests.
type MemoryProgressStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]*ProgressSnapshot
}

func CreateMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &MemoryProgressStore{ttl: ttl, items: make(map[string]*ProgressSnapshot)}
}

func (s *MemoryProgressStore) Set(ctx context.Context, snap *ProgressSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	copied := *snap

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[snap.OrderID] = &copied
	return nil
}

func (s *MemoryProgressStore) Get(ctx context.Context, orderID string) (*ProgressSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.items[orderID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Since(snap.UpdatedAt) > s.ttl {
		s.Delete(ctx, orderID)
		return nil, nil
	}
	copied := *snap
	return &copied, nil
}

func (s *MemoryProgressStore) Delete(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, orderID)
	return nil
}
