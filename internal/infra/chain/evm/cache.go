package evm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
)

type blockKey struct {
	chain domain.ChainName
	hash  common.Hash
}

// MemoryBlockCache is a bounded in-process BlockCache. When full, the oldest
// half of the entries is dropped.
type MemoryBlockCache struct {
	mu      sync.Mutex
	size    int
	entries map[blockKey]time.Time
	order   []blockKey
}

// NewMemoryBlockCache creates a cache holding up to size entries.
func NewMemoryBlockCache(size int) *MemoryBlockCache {
	if size <= 0 {
		size = 128
	}
	return &MemoryBlockCache{
		size:    size,
		entries: make(map[blockKey]time.Time, size),
	}
}

func (m *MemoryBlockCache) GetBlockTime(_ context.Context, chain domain.ChainName, hash common.Hash) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.entries[blockKey{chain, hash}]
	return t, ok, nil
}

func (m *MemoryBlockCache) SetBlockTime(_ context.Context, chain domain.ChainName, hash common.Hash, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := blockKey{chain, hash}
	if _, ok := m.entries[key]; ok {
		return nil
	}
	if len(m.order) >= m.size {
		drop := max(1, len(m.order)/2)
		for _, k := range m.order[:drop] {
			delete(m.entries, k)
		}
		m.order = append(m.order[:0], m.order[drop:]...)
	}
	m.entries[key] = t
	m.order = append(m.order, key)
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryBlockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
