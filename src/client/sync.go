package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/impl"
)

// IndexFileName is the per-directory record of the version each file had
// when it was last synced. It is never uploaded.
const IndexFileName = "index.toml"

// SyncReport lists the names a Sync touched, by action.
type SyncReport struct {
	Uploaded   []string // local content committed as a new version
	Downloaded []string // remote content written locally
	Deleted    []string // local removal committed as a tombstone
	Removed    []string // remote tombstone applied locally
}

func (s SyncReport) Empty() bool {
	return len(s.Uploaded)+len(s.Downloaded)+len(s.Deleted)+len(s.Removed) == 0
}

type indexEntry struct {
	Name     string   `toml:"name"`
	Version  int64    `toml:"version"`
	Hashlist []string `toml:"hashlist"`
}

type indexFile struct {
	Files []indexEntry `toml:"files"`
}

// Sync reconciles the regular files of baseDir with the cluster. A file whose
// remote version moved past the index is replaced by the remote content; a
// file that changed locally is committed at the next version; a file removed
// locally is deleted remotely. Remote content wins when both sides changed,
// except that a local edit is never discarded for a remote delete. Dotfiles
// and the index itself are skipped.
func (r *Reconciler) Sync(ctx context.Context, baseDir string) (SyncReport, error) {
	s := &syncer{r: r, dir: baseDir}

	index, err := readIndex(baseDir)
	if err != nil {
		return SyncReport{}, err
	}
	if err := s.scan(); err != nil {
		return SyncReport{}, err
	}
	files, err := r.meta.ListFiles(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("failed to list files: %w", err)
	}
	remote := make(map[string]api.FileInfo, len(files))
	for _, fi := range files {
		if syncable(fi.Filename) {
			remote[fi.Filename] = fi
		}
	}

	names := make(map[string]struct{})
	for name := range s.local {
		names[name] = struct{}{}
	}
	for name := range index {
		names[name] = struct{}{}
	}
	for name := range remote {
		names[name] = struct{}{}
	}

	next := maps.Clone(index)
	for _, name := range slices.Sorted(maps.Keys(names)) {
		if err = ctx.Err(); err != nil {
			break
		}
		var entry indexEntry
		entry, err = s.file(ctx, name, index[name], remote[name])
		if err != nil {
			break
		}
		if entry.Version > 0 {
			next[name] = entry
		} else {
			delete(next, name)
		}
	}

	// progress made before a failure is kept
	if werr := writeIndex(baseDir, next); werr != nil {
		return s.report, errors.Join(err, werr)
	}
	if err != nil {
		return s.report, err
	}
	logs.Infof("Sync(%s): %d up, %d down, %d deleted, %d removed", baseDir,
		len(s.report.Uploaded), len(s.report.Downloaded), len(s.report.Deleted), len(s.report.Removed))
	return s.report, nil
}

type syncer struct {
	r         *Reconciler
	dir       string
	local     map[string][]string // name -> hashlist
	inventory map[string][]byte   // every block found in dir
	report    SyncReport
}

func (s *syncer) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.dir, err)
	}
	s.local = make(map[string][]string, len(entries))
	s.inventory = make(map[string][]byte)
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name == IndexFileName || strings.HasPrefix(name, ".") {
			continue
		}
		if err := checkName(name); err != nil {
			logs.Warnf("Sync(%s): skipping %q", s.dir, name)
			continue
		}
		blocks, err := impl.ChunkFile(filepath.Join(s.dir, name), s.r.opts.BlockSize)
		if err != nil {
			return err
		}
		s.local[name] = impl.Hashlist(blocks)
		maps.Copy(s.inventory, impl.Inventory(blocks))
	}
	return nil
}

// file reconciles one name and returns its new index entry. A zero Version
// drops the entry. Local edits survive a remote delete.
func (s *syncer) file(ctx context.Context, name string, last indexEntry, remote api.FileInfo) (indexEntry, error) {
	hashlist, present := s.local[name]
	edited := present && !slices.Equal(hashlist, last.Hashlist)
	switch {
	case remote.Version > last.Version && !(remote.Deleted() && edited):
		return s.fetch(ctx, name, remote)
	case present && (!remote.Exists() || !slices.Equal(hashlist, remote.Hashlist)):
		return s.push(ctx, name, remote.Version+1, hashlist)
	case !present && len(last.Hashlist) > 0 && remote.Exists() && !remote.Deleted():
		return s.remove(ctx, name, remote.Version+1)
	}
	return indexEntry{Name: name, Version: remote.Version, Hashlist: remote.Hashlist}, nil
}

func (s *syncer) fetch(ctx context.Context, name string, remote api.FileInfo) (indexEntry, error) {
	target := filepath.Join(s.dir, name)
	if remote.Deleted() {
		err := os.Remove(target)
		switch {
		case err == nil:
			s.report.Removed = append(s.report.Removed, name)
		case !os.IsNotExist(err):
			return indexEntry{}, fmt.Errorf("failed to remove %s: %w", target, err)
		}
	} else {
		if err := s.r.pull(ctx, target, remote, s.inventory); err != nil {
			return indexEntry{}, err
		}
		s.report.Downloaded = append(s.report.Downloaded, name)
	}
	return indexEntry{Name: name, Version: remote.Version, Hashlist: remote.Hashlist}, nil
}

// refetch applies whatever a concurrent writer committed.
func (s *syncer) refetch(ctx context.Context, name string) (indexEntry, error) {
	info, err := s.r.meta.ReadFile(ctx, name)
	if err != nil {
		return indexEntry{}, fmt.Errorf("failed to read metadata for %s: %w", name, err)
	}
	logs.Debugf("Sync(%s): lost race, taking v%d", name, info.Version)
	if _, present := s.local[name]; present && info.Deleted() {
		// the next sync commits the local file over the tombstone
		return indexEntry{Name: name, Version: info.Version, Hashlist: info.Hashlist}, nil
	}
	return s.fetch(ctx, name, info)
}

func (s *syncer) push(ctx context.Context, name string, version int64, hashlist []string) (indexEntry, error) {
	res, err := s.r.publish(ctx, name, version, hashlist, s.inventory, false)
	if err != nil {
		return indexEntry{}, err
	}
	if res.Status == api.StatusWrongVersion {
		return s.refetch(ctx, name)
	}
	s.report.Uploaded = append(s.report.Uploaded, name)
	return indexEntry{Name: name, Version: res.Current, Hashlist: hashlist}, nil
}

func (s *syncer) remove(ctx context.Context, name string, version int64) (indexEntry, error) {
	res, err := s.r.meta.DeleteFile(ctx, name, version)
	if err != nil {
		return indexEntry{}, fmt.Errorf("failed to delete %s: %w", name, err)
	}
	switch res.Status {
	case api.StatusOK:
		logs.Infof("Delete(%s): v%d", name, version)
		s.report.Deleted = append(s.report.Deleted, name)
		return indexEntry{Name: name, Version: version, Hashlist: []string{}}, nil
	case api.StatusWrongVersion, api.StatusNotFound:
		return s.refetch(ctx, name)
	default:
		return indexEntry{}, fmt.Errorf("failed to delete %s: %w", name, res.Err())
	}
}

func syncable(name string) bool {
	return name != IndexFileName && !strings.HasPrefix(name, ".") && checkName(name) == nil
}

// readIndex loads the index of dir; a missing index is empty.
func readIndex(dir string) (map[string]indexEntry, error) {
	out := make(map[string]indexEntry)
	path := filepath.Join(dir, IndexFileName)

	var f indexFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read index %s: %w", path, err)
	}
	for _, e := range f.Files {
		out[e.Name] = e
	}
	return out, nil
}

func writeIndex(dir string, entries map[string]indexEntry) error {
	f := indexFile{Files: make([]indexEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Hashlist == nil {
			e.Hashlist = []string{}
		}
		f.Files = append(f.Files, e)
	}
	sort.Slice(f.Files, func(i, j int) bool { return f.Files[i].Name < f.Files[j].Name })

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	return writeAtomic(filepath.Join(dir, IndexFileName), buf.Bytes())
}
