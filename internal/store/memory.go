package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-node deployments where Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*memoryEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value      string
	count      int64
	expiration time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// NewMemory creates a new in-memory store.
func NewMemory() *MemoryStore {
	m := &MemoryStore{
		data:   make(map[string]*memoryEntry),
		stopCh: make(chan struct{}),
	}
	go m.cleanupExpired()
	return m
}

// Increment atomically increments key and returns the new count.
func (m *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, ok := m.data[key]
	if !ok || entry.expired(now) {
		entry = &memoryEntry{count: 0}
		if ttl > 0 {
			entry.expiration = now.Add(ttl)
		}
		m.data[key] = entry
	}
	entry.count++
	entry.value = strconv.FormatInt(entry.count, 10)
	return entry.count, nil
}

// SetWithTTL stores a value under key for the given TTL.
func (m *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memoryEntry{value: value}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		entry.count = n
	}
	if ttl > 0 {
		entry.expiration = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

// Exists reports whether key is present and not expired.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	if !ok || entry.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// TTL returns the remaining lifetime of key.
func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.data[key]
	now := time.Now()
	if !ok || entry.expired(now) || entry.expiration.IsZero() {
		return 0, nil
	}
	return entry.expiration.Sub(now), nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close stops the cleanup goroutine and drops all entries. Safe to
// call more than once.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*memoryEntry)
	return nil
}

// cleanupExpired periodically removes expired entries.
func (m *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, entry := range m.data {
				if entry.expired(now) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}
