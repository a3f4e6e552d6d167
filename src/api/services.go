package api

import "context"

// MetadataService is the authority for filename -> (version, hashlist).
// Implemented locally by meta_store.MetaStore and remotely by rpc.MetaClient.
//
// The error return is reserved for transport or server failures; protocol
// conflicts are reported through Result.
type MetadataService interface {
	Ping(ctx context.Context) error
	ReadFile(ctx context.Context, filename string) (FileInfo, error)
	ModifyFile(ctx context.Context, filename string, version int64, hashlist []string) (Result, error)
	DeleteFile(ctx context.Context, filename string, version int64) (Result, error)
	ListFiles(ctx context.Context) ([]FileInfo, error)
}

// BlockService is one content-addressed block shard.
// Implemented locally by block_store.BlockStore and remotely by rpc.BlockClient.
type BlockService interface {
	Ping(ctx context.Context) error
	HasBlock(ctx context.Context, hash string) (bool, error)
	HasBlocks(ctx context.Context, hashes []string) ([]string, error) // present subset, input order
	StoreBlock(ctx context.Context, hash string, data []byte) error   // idempotent
	GetBlock(ctx context.Context, hash string) ([]byte, error)        // ErrNotFound when absent
}
