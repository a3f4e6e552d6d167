package block_store

import (
	"context"
	"errors"
	"fmt"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
	"github.com/danmuck/dps_sync/src/metrics"
)

// BlockStore is one content-addressed block shard. It never consults other
// shards or the metadata store; routing is the caller's job.
type BlockStore struct {
	config  BlockStoreConfig
	backend Backend
	metrics *metrics.ShardMetrics
}

var _ api.BlockService = (*BlockStore)(nil)

// InitBlockStore creates a BlockStore with default config. An empty
// storageDir keeps blocks in memory.
func InitBlockStore(storageDir string) (*BlockStore, error) {
	return InitBlockStoreWithConfig(DefaultConfig(storageDir), nil)
}

// InitBlockStoreWithConfig creates a BlockStore with the given configuration.
// m may be nil.
func InitBlockStoreWithConfig(cfg BlockStoreConfig, m *metrics.ShardMetrics) (*BlockStore, error) {
	cfg = cfg.withDefaults()

	var backend Backend
	if cfg.StorageDir == "" {
		backend = NewMemoryBackend()
	} else {
		disk, err := NewDiskBackend(cfg.StorageDir, cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk backend: %w", err)
		}
		backend = disk
	}
	return NewBlockStore(cfg, backend, m), nil
}

// NewBlockStore wraps an existing backend.
func NewBlockStore(cfg BlockStoreConfig, backend Backend, m *metrics.ShardMetrics) *BlockStore {
	bs := &BlockStore{
		config:  cfg.withDefaults(),
		backend: backend,
		metrics: m,
	}
	if m != nil {
		m.Blocks.Set(float64(backend.Stats().Blocks))
	}
	return bs
}

func (bs *BlockStore) Ping(ctx context.Context) error {
	bs.metrics.Request("ping", "ok")
	return nil
}

func (bs *BlockStore) HasBlock(ctx context.Context, hash string) (bool, error) {
	found, err := bs.backend.Has(hash)
	if err != nil {
		bs.metrics.Request("has", "error")
		return false, err
	}
	bs.metrics.Request("has", "ok")
	return found, nil
}

// HasBlocks returns the subset of hashes present on this shard, in input order.
func (bs *BlockStore) HasBlocks(ctx context.Context, hashes []string) ([]string, error) {
	present := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := bs.backend.Has(h)
		if err != nil {
			bs.metrics.Request("has_many", "error")
			return nil, err
		}
		if found {
			present = append(present, h)
		}
	}
	bs.metrics.Request("has_many", "ok")
	return present, nil
}

// StoreBlock is idempotent: storing a hash that is already present succeeds
// without rewriting it.
func (bs *BlockStore) StoreBlock(ctx context.Context, hash string, data []byte) error {
	if !impl.ValidHash(hash) {
		bs.metrics.Request("store", "invalid")
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if len(data) > bs.config.MaxBlockSize {
		bs.metrics.Request("store", "invalid")
		return fmt.Errorf("%w: %d > %d bytes", ErrBlockTooLarge, len(data), bs.config.MaxBlockSize)
	}
	if bs.config.VerifyOnWrite {
		if err := impl.VerifyHash(hash, data); err != nil {
			bs.metrics.Request("store", "invalid")
			return errors.Join(ErrHashMismatch, err)
		}
	}

	if err := bs.backend.Put(hash, data); err != nil {
		bs.metrics.Request("store", "error")
		return fmt.Errorf("failed to store block %s: %w", api.ShortHash(hash), err)
	}
	bs.metrics.Request("store", "ok")
	bs.metrics.Stored(len(data), bs.backend.Stats().Blocks)
	logs.Debugf("StoreBlock(%s): %d bytes", api.ShortHash(hash), len(data))
	return nil
}

func (bs *BlockStore) GetBlock(ctx context.Context, hash string) ([]byte, error) {
	data, err := bs.backend.Get(hash)
	if errors.Is(err, api.ErrNotFound) {
		bs.metrics.Request("get", "not_found")
		return nil, err
	}
	if err != nil {
		bs.metrics.Request("get", "error")
		return nil, err
	}
	bs.metrics.Request("get", "ok")
	bs.metrics.Served(len(data))
	return data, nil
}

func (bs *BlockStore) Stats() Stats {
	return bs.backend.Stats()
}
