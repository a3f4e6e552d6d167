package impl

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestChunkReaderSizes(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		blocks int
		last   int
	}{
		{name: "empty", size: 0, blocks: 0},
		{name: "single byte", size: 1, blocks: 1, last: 1},
		{name: "exact block", size: DefaultBlockSize, blocks: 1, last: DefaultBlockSize},
		{name: "block plus tail", size: 5000, blocks: 2, last: 904},
		{name: "three exact blocks", size: 3 * DefaultBlockSize, blocks: 3, last: DefaultBlockSize},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := randomBytes(t, tc.size)
			blocks, err := ChunkReader(bytes.NewReader(data), DefaultBlockSize)
			require.NoError(t, err)
			require.Len(t, blocks, tc.blocks)
			if tc.blocks == 0 {
				return
			}
			assert.Equal(t, tc.last, blocks[len(blocks)-1].Size())

			var joined []byte
			for _, b := range blocks {
				require.NoError(t, b.Verify())
				joined = append(joined, b.Data...)
			}
			assert.Equal(t, data, joined)
		})
	}
}

func TestChunkReaderInvalidBlockSize(t *testing.T) {
	_, err := ChunkReader(bytes.NewReader([]byte("x")), 0)
	require.Error(t, err)
}

func TestChunkFileHashlistAndInventory(t *testing.T) {
	data := randomBytes(t, 10000)
	path := filepath.Join(t.TempDir(), "file.dat")
	require.NoError(t, os.WriteFile(path, data, 0644))

	blocks, err := ChunkFile(path, DefaultBlockSize)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	hashes := Hashlist(blocks)
	inv := Inventory(blocks)
	require.Len(t, hashes, 3)
	for i, h := range hashes {
		assert.Equal(t, HashBlock(blocks[i].Data), h)
		assert.Equal(t, blocks[i].Data, inv[h])
	}
}

func TestChunkFileMissing(t *testing.T) {
	_, err := ChunkFile(filepath.Join(t.TempDir(), "nope"), DefaultBlockSize)
	require.Error(t, err)
}

func TestHashHelpers(t *testing.T) {
	h := HashBlock([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	assert.True(t, ValidHash(h))
	assert.False(t, ValidHash("abc"))
	assert.False(t, ValidHash(h[:63]+"z"))
	assert.NoError(t, VerifyHash(h, []byte("abc")))
	assert.Error(t, VerifyHash(h, []byte("abd")))
}
