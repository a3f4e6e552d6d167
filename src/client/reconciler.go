// Package client reconciles local files with the cluster: it uploads only the
// blocks the shards lack and rebuilds files from blocks it does not already
// hold.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
)

var ErrInvalidName = errors.New("invalid file name")

// Reconciler drives the upload, download and delete protocols against one
// metadata service and its ordered shard set. It holds no state between
// calls and is safe for concurrent use.
type Reconciler struct {
	meta   api.MetadataService
	shards *impl.Shards
	opts   Options
}

func NewReconciler(meta api.MetadataService, shards []api.BlockService, opts Options) (*Reconciler, error) {
	set, err := impl.NewShards(shards)
	if err != nil {
		return nil, err
	}
	return &Reconciler{meta: meta, shards: set, opts: opts.withDefaults()}, nil
}

// Upload publishes the file at path under its base name. Blocks the shards
// report missing are stored and the modify is retried; a concurrent writer
// moves the proposed version forward. Both loops share MaxAttempts.
func (r *Reconciler) Upload(ctx context.Context, path string) error {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, api.ErrNotFound)
	}
	name := filepath.Base(path)
	if err := checkName(name); err != nil {
		return err
	}

	blocks, err := impl.ChunkFile(path, r.opts.BlockSize)
	if err != nil {
		return err
	}
	hashlist := impl.Hashlist(blocks)

	info, err := r.meta.ReadFile(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", name, err)
	}

	_, err = r.publish(ctx, name, info.Version+1, hashlist, impl.Inventory(blocks), true)
	return err
}

// publish proposes hashlist as version of name until it commits. With chase
// set, a WrongVersion moves the proposal past the current version; without
// it the WrongVersion result is returned to the caller with a nil error.
// On success the committed version is returned in Result.Current.
func (r *Reconciler) publish(ctx context.Context, name string, version int64, hashlist []string, inventory map[string][]byte, chase bool) (api.Result, error) {
	var last api.Result
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		res, err := r.meta.ModifyFile(ctx, name, version, hashlist)
		if err != nil {
			return api.Result{}, fmt.Errorf("failed to modify %s: %w", name, err)
		}
		last = res

		switch res.Status {
		case api.StatusOK:
			logs.Infof("Upload(%s): v%d, %d block(s)", name, version, len(hashlist))
			res.Current = version
			return res, nil
		case api.StatusWrongVersion:
			logs.Debugf("Upload(%s): v%d rejected, current v%d", name, version, res.Current)
			if !chase {
				return res, nil
			}
			version = res.Current + 1
		case api.StatusMissingBlocks:
			logs.Debugf("Upload(%s): storing %d missing block(s)", name, len(res.Missing))
			if err := r.storeBlocks(ctx, res.Missing, inventory); err != nil {
				return api.Result{}, err
			}
		default:
			return api.Result{}, fmt.Errorf("failed to modify %s: %w", name, res.Err())
		}
	}
	return api.Result{}, fmt.Errorf("upload %s: %w (%d): %w", name, api.ErrTooManyAttempts, r.opts.MaxAttempts, last.Err())
}

// storeBlocks pushes each missing block to its routed shard.
func (r *Reconciler) storeBlocks(ctx context.Context, missing []string, inventory map[string][]byte) error {
	for _, hash := range missing {
		if _, ok := inventory[hash]; !ok {
			return fmt.Errorf("metadata reported block %s which is not part of this file", api.ShortHash(hash))
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Parallelism)
	for _, hash := range missing {
		data := inventory[hash]
		shard := r.shards.For(hash)
		eg.Go(func() error {
			if err := shard.StoreBlock(egCtx, hash, data); err != nil {
				return fmt.Errorf("failed to store block %s: %w", api.ShortHash(hash), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Delete removes name. A file that never existed is left alone.
// A concurrent writer surfaces as *api.WrongVersionError.
func (r *Reconciler) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	info, err := r.meta.ReadFile(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", name, err)
	}
	if !info.Exists() {
		return nil
	}

	res, err := r.meta.DeleteFile(ctx, name, info.Version+1)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	switch res.Status {
	case api.StatusOK:
		logs.Infof("Delete(%s): v%d", name, info.Version+1)
		return nil
	case api.StatusNotFound:
		return nil
	default:
		return res.Err()
	}
}

// Download writes the current content of name to destDir/name, reusing any
// block already present in an existing file there. A deleted file is written
// as an empty file.
func (r *Reconciler) Download(ctx context.Context, name, destDir string) error {
	if err := checkName(name); err != nil {
		return err
	}
	target := filepath.Join(destDir, name)

	local := map[string][]byte{}
	if st, err := os.Stat(target); err == nil && st.Mode().IsRegular() {
		blocks, err := impl.ChunkFile(target, r.opts.BlockSize)
		if err != nil {
			return err
		}
		local = impl.Inventory(blocks)
	}

	info, err := r.meta.ReadFile(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", name, err)
	}
	if !info.Exists() {
		return fmt.Errorf("%s: %w", name, api.ErrNotFound)
	}

	return r.pull(ctx, target, info, local)
}

// pull writes the content described by info to target.
func (r *Reconciler) pull(ctx context.Context, target string, info api.FileInfo, local map[string][]byte) error {
	data, err := r.assemble(ctx, info.Hashlist, local)
	if err != nil {
		return err
	}
	if err := writeAtomic(target, data); err != nil {
		return err
	}
	logs.Infof("Download(%s): v%d, %d bytes", info.Filename, info.Version, len(data))
	return nil
}

// assemble concatenates the blocks of hashlist, fetching each distinct hash
// absent from local exactly once.
func (r *Reconciler) assemble(ctx context.Context, hashlist []string, local map[string][]byte) ([]byte, error) {
	var fetch []string
	queued := make(map[string]struct{})
	for _, h := range hashlist {
		if _, ok := local[h]; ok {
			continue
		}
		if _, ok := queued[h]; ok {
			continue
		}
		queued[h] = struct{}{}
		fetch = append(fetch, h)
	}

	var mu sync.Mutex
	fetched := make(map[string][]byte, len(fetch))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Parallelism)
	for _, hash := range fetch {
		shard := r.shards.For(hash)
		eg.Go(func() error {
			data, err := shard.GetBlock(egCtx, hash)
			if err != nil {
				return fmt.Errorf("failed to fetch block %s: %w", api.ShortHash(hash), err)
			}
			if err := impl.VerifyHash(hash, data); err != nil {
				return err
			}
			mu.Lock()
			fetched[hash] = data
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	logs.Debugf("assemble: %d block(s), %d reused, %d fetched", len(hashlist), len(hashlist)-len(fetch), len(fetch))

	size := 0
	parts := make([][]byte, len(hashlist))
	for i, h := range hashlist {
		data, ok := local[h]
		if !ok {
			data = fetched[h]
		}
		parts[i] = data
		size += len(data)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (r *Reconciler) List(ctx context.Context) ([]api.FileInfo, error) {
	return r.meta.ListFiles(ctx)
}

// Ping checks the metadata service and every shard.
func (r *Reconciler) Ping(ctx context.Context) error {
	if err := r.meta.Ping(ctx); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.shards.Len(); i++ {
		shard := r.shards.At(i)
		eg.Go(func() error {
			if err := shard.Ping(egCtx); err != nil {
				return fmt.Errorf("block%d: %w", i, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// names are flat; a path in a name would escape destDir
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// writeAtomic publishes data at path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish %s: %w", path, err)
	}
	cleanupTmp = false
	return nil
}
