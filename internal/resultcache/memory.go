package resultcache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	entry   Entry
	expires time.Time
}

// Memory is a process-local Cache. There is no background sweep; an expired
// entry lives until the next Take for its id.
type Memory struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{items: make(map[string]item), now: time.Now}
}

func (m *Memory) Put(_ context.Context, id string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	if entry.ArrivedAt.IsZero() {
		entry.ArrivedAt = now
	}
	m.mu.Lock()
	m.items[id] = item{entry: entry, expires: now.Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Take(_ context.Context, id string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Entry{}, false, nil
	}
	delete(m.items, id)
	if !m.now().Before(it.expires) {
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

// Len counts stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
