package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestSyncPropagatesBetweenDirectories(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3)
	r := tc.reconciler(t, nil)
	a, b := t.TempDir(), t.TempDir()

	one := randomBytes(t, 10000)
	writeTemp(t, a, "one.txt", one)
	writeTemp(t, a, "two.txt", randomBytes(t, 100))

	report, err := r.Sync(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"one.txt", "two.txt"}, report.Uploaded)

	report, err = r.Sync(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"one.txt", "two.txt"}, report.Downloaded)
	assert.Equal(t, one, readAll(t, filepath.Join(b, "one.txt")))

	edited := append(randomBytes(t, 4096), one[4096:]...)
	writeTemp(t, b, "one.txt", edited)
	report, err = r.Sync(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"one.txt"}, report.Uploaded)

	before := tc.gets()
	report, err = r.Sync(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"one.txt"}, report.Downloaded)
	assert.Equal(t, edited, readAll(t, filepath.Join(a, "one.txt")))
	assert.Equal(t, int64(1), tc.gets()-before, "only the changed block is fetched")

	require.NoError(t, os.Remove(filepath.Join(a, "two.txt")))
	report, err = r.Sync(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"two.txt"}, report.Deleted)

	info, err := tc.meta.ReadFile(ctx, "two.txt")
	require.NoError(t, err)
	assert.True(t, info.Deleted())
	assert.Equal(t, int64(2), info.Version)

	report, err = r.Sync(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"two.txt"}, report.Removed)
	_, statErr := os.Stat(filepath.Join(b, "two.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSyncUnchangedDoesNothing(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	r := tc.reconciler(t, nil)
	a, b := t.TempDir(), t.TempDir()

	writeTemp(t, a, "f.bin", randomBytes(t, 20000))
	_, err := r.Sync(ctx, a)
	require.NoError(t, err)
	_, err = r.Sync(ctx, b)
	require.NoError(t, err)

	gets, stores := tc.gets(), tc.stores()
	for _, dir := range []string{a, b} {
		report, err := r.Sync(ctx, dir)
		require.NoError(t, err)
		assert.True(t, report.Empty(), "%+v", report)
	}
	assert.Equal(t, gets, tc.gets())
	assert.Equal(t, stores, tc.stores())

	info, err := tc.meta.ReadFile(ctx, "f.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
}

func TestSyncRemoteWinsOverLocalEdit(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	r := tc.reconciler(t, nil)
	a, b := t.TempDir(), t.TempDir()

	writeTemp(t, a, "f.txt", randomBytes(t, 5000))
	_, err := r.Sync(ctx, a)
	require.NoError(t, err)
	_, err = r.Sync(ctx, b)
	require.NoError(t, err)

	writeTemp(t, a, "f.txt", randomBytes(t, 5000))
	theirs := randomBytes(t, 7000)
	writeTemp(t, b, "f.txt", theirs)

	_, err = r.Sync(ctx, b)
	require.NoError(t, err)
	report, err := r.Sync(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, report.Downloaded)
	assert.Empty(t, report.Uploaded)
	assert.Equal(t, theirs, readAll(t, filepath.Join(a, "f.txt")))
}

func TestSyncKeepsLocalEditOverRemoteDelete(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	r := tc.reconciler(t, nil)
	a, b := t.TempDir(), t.TempDir()

	writeTemp(t, a, "f.txt", randomBytes(t, 5000))
	_, err := r.Sync(ctx, a)
	require.NoError(t, err)
	_, err = r.Sync(ctx, b)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(b, "f.txt")))
	report, err := r.Sync(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, report.Deleted)

	kept := randomBytes(t, 6000)
	writeTemp(t, a, "f.txt", kept)
	report, err = r.Sync(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, report.Uploaded)
	assert.Empty(t, report.Removed)

	info, err := tc.meta.ReadFile(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Version)

	report, err = r.Sync(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, report.Downloaded)
	assert.Equal(t, kept, readAll(t, filepath.Join(b, "f.txt")))
}

func TestSyncLostRaceTakesCommittedVersion(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	other := tc.reconciler(t, nil)

	theirs := randomBytes(t, 5000)
	otherSrc := writeTemp(t, t.TempDir(), "shared.txt", theirs)
	meta := &racingMeta{
		MetadataService: tc.meta,
		racer: func() {
			require.NoError(t, other.Upload(ctx, otherSrc))
		},
	}
	r := tc.reconciler(t, meta)

	dir := t.TempDir()
	writeTemp(t, dir, "shared.txt", randomBytes(t, 9000))
	report, err := r.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, report.Uploaded)
	assert.Equal(t, []string{"shared.txt"}, report.Downloaded)
	assert.Equal(t, theirs, readAll(t, filepath.Join(dir, "shared.txt")))
	assert.Equal(t, int64(1), meta.modify.Load())

	index, err := readIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), index["shared.txt"].Version)
}

func TestSyncSkipsHiddenAndUnservableNames(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 1)
	r := tc.reconciler(t, nil)
	dir := t.TempDir()

	writeTemp(t, dir, ".hidden", []byte("x"))
	writeTemp(t, dir, `a\b.txt`, []byte("x"))
	writeTemp(t, dir, "ok.txt", []byte("x"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	report, err := r.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, report.Uploaded)

	files, err := tc.meta.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ok.txt", files[0].Filename)

	_, err = os.Stat(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)

	report, err = r.Sync(ctx, dir)
	require.NoError(t, err)
	assert.True(t, report.Empty(), "%+v", report)
}

func TestSyncMissingDirectory(t *testing.T) {
	tc := newTestCluster(t, 1)
	r := tc.reconciler(t, nil)
	_, err := r.Sync(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()

	index, err := readIndex(dir)
	require.NoError(t, err)
	assert.Empty(t, index)

	entries := map[string]indexEntry{
		"a.txt": {Name: "a.txt", Version: 3, Hashlist: []string{"aa", "bb"}},
		"gone":  {Name: "gone", Version: 2},
	}
	require.NoError(t, writeIndex(dir, entries))

	index, err = readIndex(dir)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, entries["a.txt"], index["a.txt"])
	assert.Equal(t, int64(2), index["gone"].Version)
	assert.Empty(t, index["gone"].Hashlist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("files = 7"), 0644))
	_, err = readIndex(dir)
	assert.Error(t, err)
}
