package block_store

import (
	"errors"

	"github.com/danmuck/dps_sync/src/impl"
)

const (
	DefaultMaxBlockSize = 1 << 20 // generous upper bound; clients send impl.DefaultBlockSize
	DefaultCacheSize    = 1024    // decoded blocks held by the disk backend
	FileExtension       = ".blk"
)

var (
	ErrHashMismatch  = errors.New("block data does not match hash")
	ErrBlockTooLarge = errors.New("block exceeds maximum size")
	ErrInvalidHash   = errors.New("invalid block hash")
)

// BlockStoreConfig controls runtime behavior of a BlockStore instance.
type BlockStoreConfig struct {
	StorageDir    string // root directory for block files; empty selects the memory backend
	VerifyOnWrite bool   // reject StoreBlock calls whose data does not hash to the key
	MaxBlockSize  int    // largest accepted block in bytes
	CacheSize     int    // disk backend LRU entries
}

// DefaultConfig returns a BlockStoreConfig with verify-on-write enabled.
func DefaultConfig(storageDir string) BlockStoreConfig {
	return BlockStoreConfig{
		StorageDir:    storageDir,
		VerifyOnWrite: true,
		MaxBlockSize:  DefaultMaxBlockSize,
		CacheSize:     DefaultCacheSize,
	}
}

func (c BlockStoreConfig) withDefaults() BlockStoreConfig {
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = DefaultMaxBlockSize
	}
	if c.MaxBlockSize < impl.DefaultBlockSize {
		c.MaxBlockSize = impl.DefaultBlockSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}
