// Package cache provides the key/value with expiry abstraction injected into
// components that memoize lookups. Implementations never act as hidden
// singletons, callers own the instance.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores string values with a per key expiry
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in process Cache. Expired entries are dropped lazily on read
// and on Set once the map grows past sweepThreshold.
type Memory struct {
	mu             sync.Mutex
	items          map[string]entry
	now            func() time.Time
	sweepThreshold int
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in process cache
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items:          make(map[string]entry),
		now:            time.Now,
		sweepThreshold: 10_000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get implements Cache
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return "", false, nil
	}

	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", false, nil
	}

	return item.value, true, nil
}

// Set implements Cache. A ttl <= 0 keeps the entry until deleted.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= m.sweepThreshold {
		m.sweepLocked()
	}

	item := entry{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// Delete implements Cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len returns the number of stored entries, expired or not
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(m.items, key)
		}
	}
}
