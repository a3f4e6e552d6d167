package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/api/transport"
	"github.com/danmuck/dps_sync/src/block_store"
	"github.com/danmuck/dps_sync/src/impl"
	"github.com/danmuck/dps_sync/src/meta_store"
)

func serve(t *testing.T, handler transport.Handler) string {
	t.Helper()
	h := transport.NewTCPHandler("localhost:0", handler, make(chan any))
	require.NoError(t, h.ListenAndAccept())
	t.Cleanup(func() { h.Close() })
	return h.Addr()
}

// startCluster runs n block shards and a metadata service on loopback and
// returns remote stubs for all of them.
func startCluster(t *testing.T, n int) (*MetaClient, []*BlockClient) {
	t.Helper()
	shards := make([]*BlockClient, n)
	services := make([]api.BlockService, n)
	for i := range shards {
		bs, err := block_store.InitBlockStore("")
		require.NoError(t, err)
		shards[i] = NewBlockClient(serve(t, NewBlockHandler(bs)))
		t.Cleanup(func() { shards[i].Close() })
		services[i] = shards[i]
	}

	ms, err := meta_store.NewMetaStore(services, nil)
	require.NoError(t, err)
	meta := NewMetaClient(serve(t, NewMetaHandler(ms)))
	t.Cleanup(func() { meta.Close() })
	return meta, shards
}

func TestRemotePing(t *testing.T) {
	meta, shards := startCluster(t, 2)
	ctx := context.Background()
	require.NoError(t, meta.Ping(ctx))
	for _, s := range shards {
		require.NoError(t, s.Ping(ctx))
	}
}

func TestRemoteBlockService(t *testing.T) {
	_, shards := startCluster(t, 1)
	shard := shards[0]
	ctx := context.Background()

	b := impl.NewBlock([]byte("remote block"))
	found, err := shard.HasBlock(ctx, b.Hash)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = shard.GetBlock(ctx, b.Hash)
	assert.ErrorIs(t, err, api.ErrNotFound)

	require.NoError(t, shard.StoreBlock(ctx, b.Hash, b.Data))
	require.NoError(t, shard.StoreBlock(ctx, b.Hash, b.Data), "store is idempotent")

	found, err = shard.HasBlock(ctx, b.Hash)
	require.NoError(t, err)
	assert.True(t, found)

	data, err := shard.GetBlock(ctx, b.Hash)
	require.NoError(t, err)
	assert.Equal(t, b.Data, data)

	other := impl.HashBlock([]byte("absent"))
	present, err := shard.HasBlocks(ctx, []string{other, b.Hash})
	require.NoError(t, err)
	assert.Equal(t, []string{b.Hash}, present)

	present, err = shard.HasBlocks(ctx, []string{other})
	require.NoError(t, err)
	assert.Empty(t, present)
}

func TestRemoteStoreErrorSurfaces(t *testing.T) {
	_, shards := startCluster(t, 1)
	err := shards[0].StoreBlock(context.Background(), impl.HashBlock([]byte("x")), []byte("not x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestRemoteMetadataScenario(t *testing.T) {
	meta, shards := startCluster(t, 2)
	ctx := context.Background()

	info, err := meta.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Version)
	assert.NotNil(t, info.Hashlist)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	blocks := []impl.Block{impl.NewBlock(data[:4096]), impl.NewBlock(data[4096:])}
	hashlist := impl.Hashlist(blocks)

	res, err := meta.ModifyFile(ctx, "a.txt", 1, hashlist)
	require.NoError(t, err)
	require.Equal(t, api.StatusMissingBlocks, res.Status)
	assert.ElementsMatch(t, hashlist, res.Missing)

	for _, b := range blocks {
		require.NoError(t, shards[impl.ShardIndex(b.Hash, len(shards))].StoreBlock(ctx, b.Hash, b.Data))
	}

	res, err = meta.ModifyFile(ctx, "a.txt", 1, hashlist)
	require.NoError(t, err)
	assert.Equal(t, api.OK(), res)

	res, err = meta.ModifyFile(ctx, "a.txt", 1, hashlist)
	require.NoError(t, err)
	assert.Equal(t, api.WrongVersion(1), res)

	info, err = meta.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, hashlist, info.Hashlist)

	res, err = meta.DeleteFile(ctx, "missing.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, api.StatusNotFound, res.Status)

	res, err = meta.DeleteFile(ctx, "a.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, api.StatusOK, res.Status)

	files, err := meta.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Filename)
	assert.Equal(t, int64(2), files[0].Version)
	assert.True(t, files[0].Deleted())
}

type brokenMeta struct {
	api.MetadataService
}

func (brokenMeta) ModifyFile(ctx context.Context, filename string, version int64, hashlist []string) (api.Result, error) {
	return api.Result{}, errors.New("shard 1 unreachable")
}

func TestRemoteMetadataErrorIsNotAnOutcome(t *testing.T) {
	meta := NewMetaClient(serve(t, NewMetaHandler(brokenMeta{})))
	defer meta.Close()

	_, err := meta.ModifyFile(context.Background(), "f", 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "shard 1 unreachable")
}

func TestUnsupportedMethod(t *testing.T) {
	bs, err := block_store.InitBlockStore("")
	require.NoError(t, err)
	conn := transport.NewClient(serve(t, NewBlockHandler(bs)))
	defer conn.Close()

	resp, err := conn.Call(context.Background(), &transport.Message{Method: transport.MethodReadFile})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "unsupported method")
}
