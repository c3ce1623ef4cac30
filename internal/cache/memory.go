package cache

import (
	"context"
	"sync"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-process Store using otter. Records are retained until
// evicted by size, never by age: an expired record is still needed to serve
// stale data.
type Memory struct {
	mu    sync.Mutex
	cache *otter.Cache[memoryKey, Record]
}

type memoryKey struct {
	endpoint string
	key      string
}

// NewMemory creates a new in-memory store holding at most maxSize records.
func NewMemory(maxSize int) *Memory {
	return &Memory{
		cache: otter.Must(&otter.Options[memoryKey, Record]{
			MaximumSize: maxSize,
		}),
	}
}

func (m *Memory) Find(_ context.Context, endpoint, key string) (*Record, error) {
	record, ok := m.cache.GetIfPresent(memoryKey{endpoint, key})
	if !ok {
		return nil, nil
	}

	return &record, nil
}

func (m *Memory) Upsert(_ context.Context, record Record) error {
	k := memoryKey{record.Endpoint, record.Key}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.cache.GetIfPresent(k); ok {
		record.CreatedAt = existing.CreatedAt
	}
	m.cache.Set(k, record)

	return nil
}
