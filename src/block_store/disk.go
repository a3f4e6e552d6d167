package block_store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
)

// DiskBackend stores one zstd-compressed file per block under
// {dir}/blocks/{hash[:2]}/{hash}.blk. Writes go through a temp file and an
// atomic rename, so readers see either the whole block or nothing.
type DiskBackend struct {
	dir   string
	cache *lru.Cache[string, []byte]

	encoderPool sync.Pool
	decoderPool sync.Pool

	// guards the existence check + rename and the counters
	lock   sync.Mutex
	blocks int
	bytes  int64
}

func NewDiskBackend(storageDir string, cacheSize int) (*DiskBackend, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	blocksDir := filepath.Join(storageDir, "blocks")
	if err := os.MkdirAll(blocksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}

	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	d := &DiskBackend{
		dir:   blocksDir,
		cache: cache,
	}
	d.encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	d.decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	if err := d.scan(); err != nil {
		return nil, err
	}
	logs.Debugf("NewDiskBackend(%s): %d block(s), %d byte(s) on disk", blocksDir, d.blocks, d.bytes)
	return d, nil
}

func (d *DiskBackend) blockPath(hash string) string {
	return filepath.Join(d.dir, hash[:2], hash+FileExtension)
}

// scan rebuilds the counters from disk and removes temp files left behind by
// interrupted writes.
func (d *DiskBackend) scan() error {
	return filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove orphaned temp file %s: %w", name, err)
			}
			return nil
		}
		if filepath.Ext(name) != FileExtension {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		d.blocks++
		d.bytes += info.Size()
		return nil
	})
}

func (d *DiskBackend) Has(hash string) (bool, error) {
	if !impl.ValidHash(hash) {
		return false, nil
	}
	if d.cache.Contains(hash) {
		return true, nil
	}
	_, err := os.Stat(d.blockPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat block %s: %w", api.ShortHash(hash), err)
}

func (d *DiskBackend) Put(hash string, data []byte) error {
	if !impl.ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	path := d.blockPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	compressed := d.compress(data)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".block-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp block file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(compressed); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp block file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp block file: %w", err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish block file: %w", err)
	}
	cleanupTmp = false
	d.blocks++
	d.bytes += int64(len(compressed))

	cached := make([]byte, len(data))
	copy(cached, data)
	d.cache.Add(hash, cached)
	return nil
}

func (d *DiskBackend) Get(hash string) ([]byte, error) {
	if !impl.ValidHash(hash) {
		return nil, fmt.Errorf("block %q: %w", hash, api.ErrNotFound)
	}
	if cached, ok := d.cache.Get(hash); ok {
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}

	compressed, err := os.ReadFile(d.blockPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("block %s: %w", api.ShortHash(hash), api.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}

	data, err := d.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block %s: %w", api.ShortHash(hash), err)
	}

	// detect on-disk corruption before serving
	if err := impl.VerifyHash(hash, data); err != nil {
		return nil, fmt.Errorf("block data corruption detected: %w", err)
	}

	cached := make([]byte, len(data))
	copy(cached, data)
	d.cache.Add(hash, cached)
	return data, nil
}

func (d *DiskBackend) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()

	return Stats{Blocks: d.blocks, Bytes: d.bytes}
}

func (d *DiskBackend) compress(data []byte) []byte {
	enc := d.encoderPool.Get().(*zstd.Encoder)
	defer d.encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func (d *DiskBackend) decompress(data []byte) ([]byte, error) {
	dec := d.decoderPool.Get().(*zstd.Decoder)
	defer d.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
