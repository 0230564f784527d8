package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitaly-z/brainy/common"
)

// Filesystem batch profile: local disks tolerate large parallel batches.
var filesystemBatchProfile = BatchProfile{
	MaxBatchSize:    500,
	InterBatchDelay: 0,
	MaxConcurrent:   100,
	ParallelWrites:  true,
}

// FilesystemOptions configures the POSIX adapter.
type FilesystemOptions struct {
	Root             string
	Compression      *bool // nil means the default (on)
	CompressionLevel int
	ReadOnly         bool
	Sockets          *SocketManager // optional shared backpressure gate
}

// FilesystemStorage is the local-disk adapter: sharded directories under a
// root the adapter exclusively owns, gzip-compressed bodies, atomic
// temp-then-rename writes and a file-based lock manager. External mutation
// of anything under the root voids the adapter's invariants.
type FilesystemStorage struct {
	*baseStore
	codec     *Codec
	root      string
	locks     *FileLockManager
	pathLocks *keyedMutex
	inited    bool
}

// NewFilesystemStorage constructs the adapter without touching the disk;
// Init performs the bootstrap.
func NewFilesystemStorage(opts FilesystemOptions) *FilesystemStorage {
	compression := true
	if opts.Compression != nil {
		compression = *opts.Compression
	}
	f := &FilesystemStorage{
		codec:     NewCodec(compression, opts.CompressionLevel),
		root:      opts.Root,
		pathLocks: newKeyedMutex(),
	}
	f.baseStore = newBaseStore("filesystem", f, opts.Sockets, common.AdapterLogger("filesystem", opts.Root))
	f.baseStore.readOnly = opts.ReadOnly
	f.locks = NewFileLockManager(filepath.Join(opts.Root, LocksPrefix), f.log)
	return f
}

// Init verifies the substrate, bootstraps the directory layout, migrates
// legacy shard layouts and loads the counter snapshot. A root that cannot
// be created or written is fatal with EnvironmentUnsupported.
func (f *FilesystemStorage) Init(ctx context.Context) error {
	if f.root == "" {
		return newError(KindEnvironmentUnsupported, "init", "", fmt.Errorf("empty root directory"))
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return newError(KindEnvironmentUnsupported, "init", f.root, err)
	}
	if !f.readOnly {
		probe := filepath.Join(f.root, ".write-probe")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			return newError(KindEnvironmentUnsupported, "init", f.root, err)
		}
		if err := os.Remove(probe); err != nil {
			return newError(KindEnvironmentUnsupported, "init", f.root, err)
		}
		for _, dir := range []string{EntitiesPrefix, SystemPrefix, IndexesPrefix, LocksPrefix, ChangeLogPrefix} {
			if err := os.MkdirAll(filepath.Join(f.root, dir), 0o755); err != nil {
				return newError(KindEnvironmentUnsupported, "init", dir, err)
			}
		}
		if _, err := f.MigrateShardLayout(ctx); err != nil {
			return err
		}
	}
	if err := f.bootstrapCounts(ctx); err != nil {
		return err
	}
	f.inited = true
	f.log.Info("filesystem storage initialized")
	return nil
}

// Close performs the critical shutdown flush of dirty counters.
func (f *FilesystemStorage) Close(ctx context.Context) error {
	if f.readOnly || !f.counts.Dirty() {
		return nil
	}
	if err := f.SaveStatisticsData(ctx, nil); err != nil {
		f.log.WithError(err).Warn("failed to flush counts on close")
		return err
	}
	f.counts.FlushDone(time.Now())
	return nil
}

// physicalPath maps a logical forward-slash path onto the local
// filesystem under the adapter root.
func (f *FilesystemStorage) physicalPath(logical string) string {
	return filepath.Join(f.root, filepath.FromSlash(logical))
}

// WriteObjectToPath encodes the value and writes it atomically: the body
// goes to {path}.tmp.{ts}.{rand} first and is renamed into place, so a
// crash at any point leaves either the prior version or an orphan temp
// file that cleanup removes safely, never a partial object. Writes to the
// same logical path serialize on a per-path mutex.
func (f *FilesystemStorage) WriteObjectToPath(ctx context.Context, path string, value interface{}) error {
	if f.readOnly {
		return newError(KindReadOnly, "writeObject", path, nil)
	}
	body, err := f.codec.Encode(path, value)
	if err != nil {
		return newError(KindIO, "writeObject", path, err)
	}

	f.pathLocks.Lock(path)
	defer f.pathLocks.Unlock(path)

	final := f.physicalPath(f.codec.PhysicalPath(path))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return newError(KindIO, "writeObject", path, err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d.%s", final, nowMillis(), uuid.NewString()[:8])
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return newError(KindIO, "writeObject", path, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return newError(KindWrite, "writeObject", path, err)
	}
	// Remove the stale alternate-format twin so reads cannot resurrect an
	// older body.
	if err := os.Remove(f.physicalPath(f.codec.TwinPath(path))); err != nil && !os.IsNotExist(err) {
		return newError(KindIO, "writeObject", path, err)
	}
	return nil
}

// ReadObjectFromPath reads a logical path in either format, compressed
// first. Unparseable bodies surface a Corrupt error for the caller to
// classify.
func (f *FilesystemStorage) ReadObjectFromPath(ctx context.Context, path string, out interface{}) error {
	data, err := os.ReadFile(f.physicalPath(path + CompressedSuffix))
	if err == nil {
		return f.codec.Decode(data, true, path, out)
	}
	if !os.IsNotExist(err) {
		return newError(KindIO, "readObject", path, err)
	}
	data, err = os.ReadFile(f.physicalPath(path))
	if err == nil {
		return f.codec.Decode(data, false, path, out)
	}
	if os.IsNotExist(err) {
		return newError(KindNotFound, "readObject", path, nil)
	}
	return newError(KindIO, "readObject", path, err)
}

// DeleteObjectFromPath removes both format twins. Absence is success.
func (f *FilesystemStorage) DeleteObjectFromPath(ctx context.Context, path string) error {
	if f.readOnly {
		return newError(KindReadOnly, "deleteObject", path, nil)
	}
	for _, p := range []string{path, path + CompressedSuffix} {
		if err := os.Remove(f.physicalPath(p)); err != nil && !os.IsNotExist(err) {
			return newError(KindIO, "deleteObject", path, err)
		}
	}
	return nil
}

// ListObjectsUnderPath walks the directory subtree of a logical prefix and
// returns sorted logical paths, compressed and uncompressed twins
// collapsed. Temp files from interrupted writes are excluded.
func (f *FilesystemStorage) ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error) {
	dir := f.physicalPath(strings.TrimSuffix(prefix, "/"))
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindIO, "listObjects", prefix, err)
	}
	if !info.IsDir() {
		return nil, nil
	}
	var physical []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		physical = append(physical, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, newError(KindIO, "listObjects", prefix, err)
	}
	sort.Strings(physical)
	return normalizeListing(physical), nil
}

// Clear deletes the branches tree, system records, indexes, the COW store
// and all entities, resets the in-memory counters and writes the
// persistent cow-disabled marker so subsequent instances stay out of COW
// until explicitly re-enabled. Lock records survive: another instance may
// hold a lease across the clear.
func (f *FilesystemStorage) Clear(ctx context.Context) error {
	if f.readOnly {
		return newError(KindReadOnly, "clear", "", nil)
	}
	for _, dir := range []string{BranchesPrefix, SystemPrefix, IndexesPrefix, CowPrefix, EntitiesPrefix, ChangeLogPrefix} {
		if err := os.RemoveAll(filepath.Join(f.root, dir)); err != nil {
			return newError(KindIO, "clear", dir, err)
		}
	}
	f.counts.Reset()
	f.ClearTypeCache()
	if err := f.WriteObjectToPath(ctx, CowDisabledMarkerPath, struct{}{}); err != nil {
		return err
	}
	f.log.Info("storage cleared, copy-on-write disabled")
	return nil
}

// Locks exposes the file-based lock manager operating under locks/.
func (f *FilesystemStorage) Locks() LockManager {
	return f.locks
}

// BatchProfile reports the filesystem bulk-operation envelope.
func (f *FilesystemStorage) BatchProfile() BatchProfile {
	return filesystemBatchProfile
}

// Root returns the adapter's root directory.
func (f *FilesystemStorage) Root() string {
	return f.root
}

var _ Storage = (*FilesystemStorage)(nil)
