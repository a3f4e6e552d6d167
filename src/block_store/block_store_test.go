package block_store

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
	"github.com/danmuck/dps_sync/src/metrics"
)

func randomBlock(t *testing.T, n int) impl.Block {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return impl.NewBlock(buf)
}

// newTestStores returns one memory-backed and one disk-backed store.
func newTestStores(t *testing.T) map[string]*BlockStore {
	t.Helper()
	mem, err := InitBlockStore("")
	require.NoError(t, err)
	disk, err := InitBlockStore(filepath.Join(t.TempDir(), "shard"))
	require.NoError(t, err)
	return map[string]*BlockStore{"memory": mem, "disk": disk}
}

func TestStoreAndGetBlock(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			b := randomBlock(t, impl.DefaultBlockSize)

			found, err := bs.HasBlock(ctx, b.Hash)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, bs.StoreBlock(ctx, b.Hash, b.Data))

			found, err = bs.HasBlock(ctx, b.Hash)
			require.NoError(t, err)
			assert.True(t, found)

			data, err := bs.GetBlock(ctx, b.Hash)
			require.NoError(t, err)
			assert.Equal(t, b.Data, data)
		})
	}
}

func TestStoreBlockIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			b := randomBlock(t, 904)
			require.NoError(t, bs.StoreBlock(ctx, b.Hash, b.Data))
			require.NoError(t, bs.StoreBlock(ctx, b.Hash, b.Data))
			assert.Equal(t, 1, bs.Stats().Blocks)
		})
	}
}

func TestGetBlockNotFound(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := bs.GetBlock(ctx, impl.HashBlock([]byte("absent")))
			require.ErrorIs(t, err, api.ErrNotFound)
		})
	}
}

func TestStoreBlockRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			b := randomBlock(t, 64)

			err := bs.StoreBlock(ctx, impl.HashBlock([]byte("other")), b.Data)
			require.ErrorIs(t, err, ErrHashMismatch)

			err = bs.StoreBlock(ctx, "../../etc/passwd", b.Data)
			require.ErrorIs(t, err, ErrInvalidHash)

			big := randomBlock(t, DefaultMaxBlockSize+1)
			err = bs.StoreBlock(ctx, big.Hash, big.Data)
			require.ErrorIs(t, err, ErrBlockTooLarge)

			assert.Equal(t, 0, bs.Stats().Blocks)
		})
	}
}

func TestStoreBlockWithoutVerify(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.VerifyOnWrite = false
	bs, err := InitBlockStoreWithConfig(cfg, nil)
	require.NoError(t, err)

	hash := impl.HashBlock([]byte("label"))
	require.NoError(t, bs.StoreBlock(context.Background(), hash, []byte("payload")))
}

func TestHasBlocksSubsetInOrder(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			a, b, c := randomBlock(t, 10), randomBlock(t, 20), randomBlock(t, 30)
			require.NoError(t, bs.StoreBlock(ctx, a.Hash, a.Data))
			require.NoError(t, bs.StoreBlock(ctx, c.Hash, c.Data))

			present, err := bs.HasBlocks(ctx, []string{c.Hash, b.Hash, a.Hash})
			require.NoError(t, err)
			assert.Equal(t, []string{c.Hash, a.Hash}, present)
		})
	}
}

func TestConcurrentStoreSameHash(t *testing.T) {
	ctx := context.Background()
	for name, bs := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			b := randomBlock(t, impl.DefaultBlockSize)

			const goroutines = 20
			var wg sync.WaitGroup
			errs := make([]error, goroutines)
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				go func(idx int) {
					defer wg.Done()
					errs[idx] = bs.StoreBlock(ctx, b.Hash, b.Data)
				}(i)
			}
			wg.Wait()

			for i, err := range errs {
				require.NoError(t, err, "goroutine %d failed", i)
			}
			assert.Equal(t, 1, bs.Stats().Blocks)

			data, err := bs.GetBlock(ctx, b.Hash)
			require.NoError(t, err)
			assert.Equal(t, b.Data, data)
		})
	}
}

func TestDiskBackendPersistence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "shard")

	first, err := InitBlockStore(dir)
	require.NoError(t, err)
	b := randomBlock(t, 3000)
	require.NoError(t, first.StoreBlock(ctx, b.Hash, b.Data))

	// leave an interrupted write behind
	orphan := filepath.Join(dir, "blocks", b.Hash[:2], ".block-123.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0644))

	second, err := InitBlockStore(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Stats().Blocks)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "orphaned temp file should be removed")

	data, err := second.GetBlock(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, b.Data, data)
}

func TestDiskBackendDetectsCorruption(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shard")
	backend, err := NewDiskBackend(dir, 1)
	require.NoError(t, err)

	good := randomBlock(t, 100)
	require.NoError(t, backend.Put(good.Hash, good.Data))

	// overwrite with a valid zstd frame of the wrong content, bypassing the cache
	other := randomBlock(t, 100)
	require.NoError(t, os.WriteFile(backend.blockPath(good.Hash), backend.compress(other.Data), 0644))
	fresh, err := NewDiskBackend(dir, 1)
	require.NoError(t, err)

	_, err = fresh.Get(good.Hash)
	require.Error(t, err)
	assert.NotErrorIs(t, err, api.ErrNotFound)
}

func TestDiskBackendCompressesBlocks(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir(), 4)
	require.NoError(t, err)

	zeros := impl.NewBlock(make([]byte, impl.DefaultBlockSize))
	require.NoError(t, backend.Put(zeros.Hash, zeros.Data))

	info, err := os.Stat(backend.blockPath(zeros.Hash))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(impl.DefaultBlockSize))
}

func TestBlockStoreMetrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	m := metrics.NewShardMetrics(registry, 1)
	bs, err := InitBlockStoreWithConfig(DefaultConfig(""), m)
	require.NoError(t, err)

	b := randomBlock(t, 512)
	require.NoError(t, bs.StoreBlock(ctx, b.Hash, b.Data))
	_, err = bs.GetBlock(ctx, b.Hash)
	require.NoError(t, err)
	_, err = bs.GetBlock(ctx, impl.HashBlock([]byte("nope")))
	require.Error(t, err)

	assert.Equal(t, 512.0, testutil.ToFloat64(m.BytesStored))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.BytesServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("get", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Blocks))
}
