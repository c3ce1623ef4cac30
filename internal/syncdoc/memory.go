package syncdoc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-process Store. Documents are lost on restart and the
// least used are evicted once maxSize is reached.
type Memory struct {
	mu   sync.Mutex
	docs *otter.Cache[string, Document]
}

func NewMemory(maxSize int) *Memory {
	return &Memory{
		docs: otter.Must(&otter.Options[string, Document]{
			MaximumSize: maxSize,
		}),
	}
}

func (m *Memory) Insert(_ context.Context, doc Document) error {
	m.docs.Set(doc.ID, doc)
	return nil
}

func (m *Memory) Update(_ context.Context, id string, channels json.RawMessage, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs.GetIfPresent(id)
	if !ok {
		return errNotFound
	}

	doc.Channels = channels
	doc.UpdatedIP = ip
	doc.UpdatedAt = at
	m.docs.Set(id, doc)

	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Document, error) {
	doc, ok := m.docs.GetIfPresent(id)
	if !ok {
		return nil, errNotFound
	}
	return &doc, nil
}
