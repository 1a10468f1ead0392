package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
)

var _ interfaces.KVStore = (*MemoryKV)(nil)

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// MemoryKV is a process-local interfaces.KVStore. Locks only exclude
// goroutines of the same process.
type MemoryKV struct {
	mu       sync.Mutex
	clock    interfaces.Clock
	locks    map[string]memoryEntry
	counters map[string]memoryEntry
}

// NewMemoryKV expires entries against clock; nil uses the system clock.
func NewMemoryKV(clock interfaces.Clock) *MemoryKV {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &MemoryKV{
		clock:    clock,
		locks:    make(map[string]memoryEntry),
		counters: make(map[string]memoryEntry),
	}
}

func (m *MemoryKV) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: lock ttl must be positive", interfaces.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
		return "", interfaces.ErrLockHeld
	}
	token := uuid.NewString()
	m.locks[key] = memoryEntry{value: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryKV) ReleaseLock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok && e.value == token {
		delete(m.locks, key)
	}
	return nil
}

func (m *MemoryKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: counter ttl must be positive", interfaces.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = memoryEntry{expiresAt: now.Add(ttl)}
	}
	e.count++
	m.counters[key] = e
	return e.count, nil
}

func (m *MemoryKV) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
