package lineage

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/haivivi/nexus/pkg/nexus"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps encoded lineages in memory. It is safe for concurrent
// use. Stored lineages are copies: mutating a lineage after Put or after
// Get does not affect the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte // record key -> msgpack
	index   map[string]string // run id -> record key
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		index:   make(map[string]string),
	}
}

func (m *MemoryStore) Put(_ context.Context, l *nexus.Lineage) error {
	if l == nil || l.RunID == "" {
		return ErrInvalid
	}
	b, err := encode(l)
	if err != nil {
		return err
	}
	key := recordKey(l)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.index[l.RunID]; ok && old != key {
		delete(m.records, old)
	}
	m.records[key] = b
	m.index[l.RunID] = key
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*nexus.Lineage, error) {
	m.mu.RLock()
	b, ok := m.records[m.index[runID]]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

func (m *MemoryStore) List(_ context.Context) iter.Seq2[*nexus.Lineage, error] {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	vals := make(map[string][]byte, len(m.records))
	for k, v := range m.records {
		keys = append(keys, k)
		vals[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	return func(yield func(*nexus.Lineage, error) bool) {
		for _, k := range keys {
			l, err := decode(vals[k])
			if !yield(l, err) {
				return
			}
		}
	}
}

// Len returns the number of stored lineages.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error {
	return nil
}
