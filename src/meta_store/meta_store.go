// Package meta_store is the single authority mapping filenames to a version
// and an ordered block hashlist.
package meta_store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
	"github.com/danmuck/dps_sync/src/metrics"
)

// fileRecord is never removed once created; deletion empties the hashlist
// and still consumes a version.
type fileRecord struct {
	version  int64
	hashlist []string
}

// MetaStore keeps every record in memory behind one store-wide lock. Modify
// and delete hold the write lock across the version check, the shard
// verification and the update; reads share the read lock.
type MetaStore struct {
	shards  *impl.Shards
	metrics *metrics.MetaMetrics

	lock  sync.RWMutex
	files map[string]*fileRecord
}

var _ api.MetadataService = (*MetaStore)(nil)

// NewMetaStore builds a store that verifies blocks against shards, in
// routing order. m may be nil.
func NewMetaStore(shards []api.BlockService, m *metrics.MetaMetrics) (*MetaStore, error) {
	set, err := impl.NewShards(shards)
	if err != nil {
		return nil, err
	}
	return &MetaStore{
		shards:  set,
		metrics: m,
		files:   make(map[string]*fileRecord),
	}, nil
}

func (ms *MetaStore) Ping(ctx context.Context) error {
	return nil
}

// ReadFile returns (0, []) for a file that was never created. It never fails.
func (ms *MetaStore) ReadFile(ctx context.Context, filename string) (api.FileInfo, error) {
	started := time.Now()
	ms.lock.RLock()
	defer ms.lock.RUnlock()

	info := api.FileInfo{Filename: filename, Hashlist: []string{}}
	if rec, exists := ms.files[filename]; exists {
		info.Version = rec.version
		info.Hashlist = append([]string{}, rec.hashlist...)
	}
	ms.metrics.Observe("read", api.StatusOK.String(), started)
	return info, nil
}

// ModifyFile commits hashlist as version of filename when version is exactly
// one past the current version and every block is present on its shard.
// A non-nil error means a shard could not be asked; nothing is committed.
func (ms *MetaStore) ModifyFile(ctx context.Context, filename string, version int64, hashlist []string) (api.Result, error) {
	started := time.Now()
	ms.lock.Lock()
	defer ms.lock.Unlock()

	current := ms.currentVersion(filename)
	if version != current+1 {
		logs.Debugf("ModifyFile(%s): proposed v%d, current v%d", filename, version, current)
		ms.metrics.Observe("modify", api.StatusWrongVersion.String(), started)
		return api.WrongVersion(current), nil
	}

	missing, err := ms.missingBlocks(ctx, hashlist)
	if err != nil {
		ms.metrics.Observe("modify", "error", started)
		return api.Result{}, fmt.Errorf("failed to verify blocks for %s: %w", filename, err)
	}
	if len(missing) > 0 {
		logs.Debugf("ModifyFile(%s): %d of %d block(s) missing", filename, len(missing), len(hashlist))
		ms.metrics.AddMissing(len(missing))
		ms.metrics.Observe("modify", api.StatusMissingBlocks.String(), started)
		return api.MissingBlocks(missing), nil
	}

	ms.files[filename] = &fileRecord{
		version:  version,
		hashlist: append([]string{}, hashlist...),
	}
	ms.metrics.SetFiles(len(ms.files))
	ms.metrics.Observe("modify", api.StatusOK.String(), started)
	logs.Infof("ModifyFile(%s): committed v%d (%d block(s))", filename, version, len(hashlist))
	return api.OK(), nil
}

// DeleteFile empties the hashlist of an existing file and bumps its version.
func (ms *MetaStore) DeleteFile(ctx context.Context, filename string, version int64) (api.Result, error) {
	started := time.Now()
	ms.lock.Lock()
	defer ms.lock.Unlock()

	rec, exists := ms.files[filename]
	if !exists {
		ms.metrics.Observe("delete", api.StatusNotFound.String(), started)
		return api.NotFound(), nil
	}
	if version != rec.version+1 {
		ms.metrics.Observe("delete", api.StatusWrongVersion.String(), started)
		return api.WrongVersion(rec.version), nil
	}

	rec.version = version
	rec.hashlist = []string{}
	ms.metrics.Observe("delete", api.StatusOK.String(), started)
	logs.Infof("DeleteFile(%s): deleted at v%d", filename, version)
	return api.OK(), nil
}

// ListFiles returns a copy of every record, deleted files included, sorted
// by filename.
func (ms *MetaStore) ListFiles(ctx context.Context) ([]api.FileInfo, error) {
	started := time.Now()
	ms.lock.RLock()
	defer ms.lock.RUnlock()

	out := make([]api.FileInfo, 0, len(ms.files))
	for name, rec := range ms.files {
		out = append(out, api.FileInfo{
			Filename: name,
			Version:  rec.version,
			Hashlist: append([]string{}, rec.hashlist...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	ms.metrics.Observe("list", api.StatusOK.String(), started)
	return out, nil
}

// caller holds the lock
func (ms *MetaStore) currentVersion(filename string) int64 {
	if rec, exists := ms.files[filename]; exists {
		return rec.version
	}
	return 0
}

// missingBlocks asks each owning shard which of its hashes it holds and
// returns the absent ones in hashlist order, without duplicates.
func (ms *MetaStore) missingBlocks(ctx context.Context, hashlist []string) ([]string, error) {
	groups := ms.shards.Group(hashlist)

	var mu sync.Mutex
	present := make(map[string]struct{}, len(hashlist))

	eg, egCtx := errgroup.WithContext(ctx)
	for idx, hashes := range groups {
		shard := ms.shards.At(idx)
		eg.Go(func() error {
			found, err := shard.HasBlocks(egCtx, hashes)
			if err != nil {
				return fmt.Errorf("shard %d: %w", idx, err)
			}
			mu.Lock()
			for _, h := range found {
				present[h] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var missing []string
	seen := make(map[string]struct{}, len(hashlist))
	for _, h := range hashlist {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if _, ok := present[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}
