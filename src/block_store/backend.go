package block_store

import (
	"fmt"
	"sync"

	"github.com/danmuck/dps_sync/src/api"
)

// Backend is the raw key-value primitive under a BlockStore. Implementations
// must tolerate concurrent Put calls for the same hash.
type Backend interface {
	Has(hash string) (bool, error)
	Put(hash string, data []byte) error
	Get(hash string) ([]byte, error) // wraps api.ErrNotFound when absent
	Stats() Stats
}

// Stats is a point-in-time view of a backend's contents.
type Stats struct {
	Blocks int   `json:"blocks"`
	Bytes  int64 `json:"bytes"`
}

// MemoryBackend keeps blocks in a map; contents are lost on restart.
type MemoryBackend struct {
	lock   sync.RWMutex
	blocks map[string][]byte
	bytes  int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blocks: make(map[string][]byte),
	}
}

func (m *MemoryBackend) Has(hash string) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	_, exists := m.blocks[hash]
	return exists, nil
}

func (m *MemoryBackend) Put(hash string, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, exists := m.blocks[hash]; exists {
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blocks[hash] = stored
	m.bytes += int64(len(stored))
	return nil
}

// return a copy
func (m *MemoryBackend) Get(hash string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	data, exists := m.blocks[hash]
	if !exists {
		return nil, fmt.Errorf("block %s: %w", api.ShortHash(hash), api.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryBackend) Stats() Stats {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return Stats{Blocks: len(m.blocks), Bytes: m.bytes}
}
