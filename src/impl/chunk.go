package impl

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkReader splits r into blocks of blockSize bytes; the final block may be
// shorter. An empty reader yields no blocks.
func ChunkReader(r io.Reader, blockSize int) ([]Block, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	var blocks []Block
	for i := 0; ; i++ {
		buffer := make([]byte, blockSize)
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			blocks = append(blocks, NewBlock(buffer[:n]))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", i, err)
		}
	}
}

// ChunkFile opens path and splits its content into blocks.
func ChunkFile(path string, blockSize int) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ChunkReader(f, blockSize)
}

// Hashlist returns block hashes in chunk order.
func Hashlist(blocks []Block) []string {
	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	return hashes
}

// Inventory indexes block data by hash.
func Inventory(blocks []Block) map[string][]byte {
	inv := make(map[string][]byte, len(blocks))
	for _, b := range blocks {
		inv[b.Hash] = b.Data
	}
	return inv
}
