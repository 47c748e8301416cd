package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Cache and RateLimiter for tests and dev mode.
type Memory struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries map[string]memEntry
	windows map[string]*memWindow
}

type memEntry struct {
	value   []byte
	expires time.Time
}

type memWindow struct {
	count   int
	expires time.Time
}

// NewMemory builds an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		clock:   time.Now,
		entries: make(map[string]memEntry),
		windows: make(map[string]*memWindow),
	}
}

// NewMemoryWithClock builds a Memory with an injected clock for tests.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	m := NewMemory()
	m.clock = clock
	return m
}

// Get returns a cached value if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.clock().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// SetEx stores a value with a TTL.
func (m *Memory) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expires: m.clock().Add(ttl)}
	return nil
}

// Delete removes keys.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// DeletePattern removes keys matching a glob pattern.
func (m *Memory) DeletePattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.entries, k)
		}
	}
	return nil
}

// Allow performs a fixed-window rate-limit check.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	w, ok := m.windows[key]
	if !ok || now.After(w.expires) {
		w = &memWindow{expires: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	if w.count > limit {
		return false, w.expires.Sub(now), nil
	}
	return true, 0, nil
}
