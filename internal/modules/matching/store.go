// README: Dispatch attempt log backed by Redis, so sweeps back off orders that found no agent.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const attemptKeyFormat = "matching:order:%s:attempted_at"

// AttemptLog remembers when an order was last tried without success.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, orderID types.ID, at time.Time) error
	LastAttempt(ctx context.Context, orderID types.ID) (time.Time, bool, error)
}

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) RecordAttempt(ctx context.Context, orderID types.ID, at time.Time) error {
	return s.redis.Set(ctx, attemptKey(orderID), at.UTC().Format(time.RFC3339Nano), attemptTTL).Err()
}

func (s *Store) LastAttempt(ctx context.Context, orderID types.ID) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, attemptKey(orderID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func attemptKey(orderID types.ID) string {
	return fmt.Sprintf(attemptKeyFormat, string(orderID))
}

type MemoryAttemptLog struct {
	mu       sync.Mutex
	attempts map[types.ID]time.Time
}

func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{attempts: make(map[types.ID]time.Time)}
}

func (m *MemoryAttemptLog) RecordAttempt(_ context.Context, orderID types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[orderID] = at
	return nil
}

func (m *MemoryAttemptLog) LastAttempt(_ context.Context, orderID types.ID) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.attempts[orderID]
	return t, ok, nil
}
