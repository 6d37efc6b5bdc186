// Package checkpoint persists scan positions between runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is a durable key/value store for job positions. Values are JSON
// encoded so a key can hold a plain post id or a composite cursor.
type Store interface {
	// Load decodes the value stored under key into v. found is false when the
	// key was never written or has expired.
	Load(ctx context.Context, key string, v any) (found bool, err error)
	// Save stores v under key. A zero ttl keeps the value forever.
	Save(ctx context.Context, key string, v any, ttl time.Duration) error
}

type entry struct {
	expires time.Time
	data    []byte
}

// Memory is an in-process Store for local development.
type Memory struct {
	now     func() time.Time
	entries map[string]entry
	mu      sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, v); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return true, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}

	e := entry{data: data}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}
