package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// migrationLockTTL self-expires an abandoned migration guard.
const migrationLockTTL = time.Hour

// MigrationSummary reports the outcome of the one-shot shard layout
// migration.
type MigrationSummary struct {
	Performed bool // false when the layout was already current
	Migrated  int  // files renamed into the single-level layout
	Skipped   int  // files whose destination already existed
	Verified  int  // recount of entity files after migration
}

// shardDepth classifies a section directory's layout.
type shardDepth int

const (
	shardDepthFlat shardDepth = 0 // files directly under the section
	shardDepthOne  shardDepth = 1 // the fixed single-level layout
	shardDepthTwo  shardDepth = 2 // legacy two-level ab/cd layout
)

// MigrateShardLayout detects legacy entity layouts (flat, or two-level
// ab/cd) and performs a one-shot migration to the fixed single-level
// layout, guarded by a root-level lock file that self-expires after one
// hour. Files are renamed atomically; an existing destination suppresses
// the duplicate rather than overwriting it. The summary carries migrated
// and skipped counts plus a verification recount.
//
// A mixed installation cannot arise under this contract: detection walks
// every section and any non-current section is migrated in the same pass,
// so a second Init observes depth one everywhere and is a no-op.
func (f *FilesystemStorage) MigrateShardLayout(ctx context.Context) (*MigrationSummary, error) {
	summary := &MigrationSummary{}
	sections, err := f.legacySections()
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return summary, nil
	}

	if !f.acquireMigrationLock() {
		f.log.Warn("shard migration already in progress elsewhere, skipping")
		return summary, nil
	}
	defer f.releaseMigrationLock()

	summary.Performed = true
	for dir, depth := range sections {
		if err := ctx.Err(); err != nil {
			return summary, newError(KindTimeout, "migrate", dir, err)
		}
		migrated, skipped, err := f.migrateSection(dir, depth)
		if err != nil {
			return summary, err
		}
		summary.Migrated += migrated
		summary.Skipped += skipped
	}

	summary.Verified, err = f.countEntityFiles()
	if err != nil {
		return summary, err
	}
	f.log.WithFields(logrus.Fields{
		"migrated": summary.Migrated,
		"skipped":  summary.Skipped,
		"verified": summary.Verified,
	}).Info("shard layout migration complete")
	return summary, nil
}

// legacySections returns every section directory whose layout is not the
// fixed single-level one, mapped to its detected depth.
func (f *FilesystemStorage) legacySections() (map[string]shardDepth, error) {
	legacy := make(map[string]shardDepth)
	entitiesDir := filepath.Join(f.root, EntitiesPrefix)
	for _, kind := range []string{string(KindNouns), string(KindVerbs)} {
		kindDir := filepath.Join(entitiesDir, kind)
		typeEntries, err := os.ReadDir(kindDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, newError(KindIO, "detectLayout", kind, err)
		}
		for _, typeEntry := range typeEntries {
			if !typeEntry.IsDir() {
				continue
			}
			for _, section := range []string{SectionVectors, SectionMetadata, SectionHNSW} {
				dir := filepath.Join(kindDir, typeEntry.Name(), section)
				depth, err := detectShardDepth(dir)
				if err != nil {
					return nil, err
				}
				if depth != shardDepthOne {
					legacy[dir] = depth
				}
			}
		}
	}
	return legacy, nil
}

// detectShardDepth inspects the first existing entry of a section
// directory. An empty or absent section is a new installation and defaults
// to the single-level layout.
func detectShardDepth(dir string) (shardDepth, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return shardDepthOne, nil
	}
	if err != nil {
		return shardDepthOne, newError(KindIO, "detectLayout", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			if isEntityFile(entry.Name()) {
				return shardDepthFlat, nil
			}
			continue
		}
		if !isShardName(entry.Name()) {
			continue
		}
		inner, err := os.ReadDir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return shardDepthOne, newError(KindIO, "detectLayout", dir, err)
		}
		for _, innerEntry := range inner {
			if innerEntry.IsDir() && isShardName(innerEntry.Name()) {
				return shardDepthTwo, nil
			}
			if !innerEntry.IsDir() && isEntityFile(innerEntry.Name()) {
				return shardDepthOne, nil
			}
		}
	}
	return shardDepthOne, nil
}

// migrateSection renames every misplaced entity file of one section into
// its single-level shard directory.
func (f *FilesystemStorage) migrateSection(dir string, depth shardDepth) (migrated, skipped int, err error) {
	switch depth {
	case shardDepthFlat:
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, 0, newError(KindIO, "migrate", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isEntityFile(entry.Name()) {
				continue
			}
			m, s, err := f.relocateEntityFile(dir, filepath.Join(dir, entry.Name()))
			if err != nil {
				return migrated, skipped, err
			}
			migrated += m
			skipped += s
		}
	case shardDepthTwo:
		outer, err := os.ReadDir(dir)
		if err != nil {
			return 0, 0, newError(KindIO, "migrate", dir, err)
		}
		for _, outerEntry := range outer {
			if !outerEntry.IsDir() || !isShardName(outerEntry.Name()) {
				continue
			}
			outerDir := filepath.Join(dir, outerEntry.Name())
			inner, err := os.ReadDir(outerDir)
			if err != nil {
				return migrated, skipped, newError(KindIO, "migrate", dir, err)
			}
			for _, innerEntry := range inner {
				if !innerEntry.IsDir() || !isShardName(innerEntry.Name()) {
					continue
				}
				innerDir := filepath.Join(outerDir, innerEntry.Name())
				files, err := os.ReadDir(innerDir)
				if err != nil {
					return migrated, skipped, newError(KindIO, "migrate", dir, err)
				}
				for _, file := range files {
					if file.IsDir() || !isEntityFile(file.Name()) {
						continue
					}
					m, s, err := f.relocateEntityFile(dir, filepath.Join(innerDir, file.Name()))
					if err != nil {
						return migrated, skipped, err
					}
					migrated += m
					skipped += s
				}
			}
			// Drop emptied two-level directories; failures here are
			// harmless leftovers.
			os.Remove(outerDir)
		}
	}
	return migrated, skipped, nil
}

// relocateEntityFile renames one entity file into the shard directory
// derived from its id. An invalid shard prefix fails fast; an existing
// destination counts as a suppressed duplicate.
func (f *FilesystemStorage) relocateEntityFile(sectionDir, src string) (migrated, skipped int, err error) {
	id := IDFromPath(filepath.ToSlash(src))
	shard, err := ShardPrefix(id)
	if err != nil {
		return 0, 0, err
	}
	destDir := filepath.Join(sectionDir, shard)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, 0, newError(KindIO, "migrate", src, err)
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if _, err := os.Stat(dest); err == nil {
		// Duplicate suppression: the destination wins, the stale source is
		// dropped so the next detection pass sees a clean layout.
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return 0, 0, newError(KindIO, "migrate", src, err)
		}
		os.Remove(filepath.Dir(src))
		return 0, 1, nil
	}
	if err := os.Rename(src, dest); err != nil {
		return 0, 0, newError(KindIO, "migrate", src, err)
	}
	os.Remove(filepath.Dir(src)) // prune the source dir if now empty
	return 1, 0, nil
}

// countEntityFiles recounts entity files after migration as verification.
func (f *FilesystemStorage) countEntityFiles() (int, error) {
	count := 0
	err := filepath.WalkDir(filepath.Join(f.root, EntitiesPrefix), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && isEntityFile(d.Name()) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, newError(KindIO, "migrate", EntitiesPrefix, err)
	}
	return count, nil
}

// acquireMigrationLock takes the root-level migration guard, replacing an
// expired record from an abandoned run.
func (f *FilesystemStorage) acquireMigrationLock() bool {
	path := filepath.Join(f.root, MigrationLockPath)
	if data, err := os.ReadFile(path); err == nil {
		var record LockRecord
		if json.Unmarshal(data, &record) == nil && !record.Expired(time.Now()) {
			return false
		}
	}
	record := LockRecord{
		Value:     f.instanceID,
		ExpiresAt: time.Now().Add(migrationLockTTL).UnixMilli(),
		OwnerPid:  os.Getpid(),
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		f.log.WithError(err).Warn("failed to write migration lock")
		return false
	}
	return true
}

func (f *FilesystemStorage) releaseMigrationLock() {
	os.Remove(filepath.Join(f.root, MigrationLockPath))
}

// isShardName reports whether name is a two-character lowercase hex shard
// directory.
func isShardName(name string) bool {
	if len(name) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// isEntityFile reports whether name looks like a persisted entity body.
func isEntityFile(name string) bool {
	if strings.Contains(name, ".tmp.") {
		return false
	}
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json"+CompressedSuffix)
}
