package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store with per-entry expiry. It backs tests and
// ephemeral runs; a janitor goroutine reclaims expired entries.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an in-memory store. The janitor runs every interval;
// an interval <= 0 disables it and expiry is enforced lazily on reads.
func NewMemory(janitorInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	if janitorInterval > 0 {
		go m.janitor(janitorInterval)
	}
	return m
}

// Put writes value under key with the given ttl.
func (m *Memory) Put(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Get reads the value at key into dest.
func (m *Memory) Get(key string, dest any) error {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return ErrNotFound
	}

	if err := json.Unmarshal(entry.data, dest); err != nil {
		return fmt.Errorf("unmarshal value for %q: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Keys returns all live keys with the given prefix.
func (m *Memory) Keys(prefix string) ([]string, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

// PurgeExpired removes expired entries and returns how many were reclaimed.
func (m *Memory) PurgeExpired() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			count++
		}
	}
	return count
}

// janitor periodically reclaims expired entries until Close is called.
func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PurgeExpired()
		case <-m.stopCh:
			return
		}
	}
}
