package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedFlatLayout writes count nouns directly under the section directory,
// the legacy depth-zero layout.
func seedFlatLayout(t *testing.T, root string, count int) {
	t.Helper()
	sectionDir := filepath.Join(root, "entities", "nouns", "thing", "vectors")
	require.NoError(t, os.MkdirAll(sectionDir, 0o755))
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%02x%06d", i%256, i)
		noun := Noun{ID: id, Vector: []float32{1}}
		body, err := json.Marshal(&noun)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(sectionDir, id+".json"), body, 0o644))
	}
}

// Legacy flat layout: init detects depth zero, migrates every file into
// single-level shards and verifies by recount; a second init is a no-op.
func TestMigrationFromFlatLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	const seeded = 256
	seedFlatLayout(t, root, seeded)

	store := newTestFilesystem(t, root, true)
	// Init already migrated; a direct call now reports the current layout.
	summary, err := store.MigrateShardLayout(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Performed, "second detection must be a no-op")

	// every entity is readable through the canonical scheme
	got, err := store.GetNoun(ctx, fmt.Sprintf("%02x%06d", 0, 0))
	require.NoError(t, err)
	require.NotNil(t, got)

	listed, err := store.ListObjectsUnderPath(ctx, TypePrefix(KindNouns, "thing", SectionVectors))
	require.NoError(t, err)
	assert.Len(t, listed, seeded)

	// no file remains directly under the section directory
	entries, err := os.ReadDir(filepath.Join(root, "entities", "nouns", "thing", "vectors"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.True(t, entry.IsDir(), "unexpected flat file %s after migration", entry.Name())
	}
}

func TestMigrationSummaryCounts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	const seeded = 32
	seedFlatLayout(t, root, seeded)

	store := NewFilesystemStorage(FilesystemOptions{Root: root})
	// call the migration directly to observe its summary
	summary, err := store.MigrateShardLayout(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Performed)
	assert.Equal(t, seeded, summary.Migrated)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, seeded, summary.Verified)
}

// Two-level legacy layout collapses into single-level shards; existing
// destinations suppress duplicates.
func TestMigrationFromTwoLevelLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sectionDir := filepath.Join(root, "entities", "nouns", "thing", "vectors")

	// ab/cd/abcd0001.json in the legacy two-level scheme
	deep := filepath.Join(sectionDir, "ab", "cd")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	noun := Noun{ID: "abcd0001", Vector: []float32{1}}
	body, err := json.Marshal(&noun)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(deep, "abcd0001.json"), body, 0o644))

	// a duplicate already at the destination must be left untouched
	destDir := filepath.Join(sectionDir, "ee")
	require.NoError(t, os.MkdirAll(filepath.Join(sectionDir, "ee", "ff"), 0o755))
	existing := Noun{ID: "eeff0002", Vector: []float32{7}}
	existingBody, err := json.Marshal(&existing)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "eeff0002.json"), existingBody, 0o644))
	stale := Noun{ID: "eeff0002", Vector: []float32{666}}
	staleBody, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sectionDir, "ee", "ff", "eeff0002.json"), staleBody, 0o644))

	store := NewFilesystemStorage(FilesystemOptions{Root: root})
	summary, err := store.MigrateShardLayout(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Performed)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Skipped)

	require.NoError(t, store.Init(ctx))
	migrated, err := store.GetNoun(ctx, "abcd0001")
	require.NoError(t, err)
	require.NotNil(t, migrated)

	kept, err := store.GetNoun(ctx, "eeff0002")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, []float32{7}, kept.Vector, "existing destination must win over the stale source")
}

// A live migration lock held by another process skips the migration.
func TestMigrationLockBlocks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seedFlatLayout(t, root, 4)

	record := LockRecord{Value: "other-instance", ExpiresAt: nowMillis() + 60_000, OwnerPid: 1}
	body, err := json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, MigrationLockPath), body, 0o644))

	store := NewFilesystemStorage(FilesystemOptions{Root: root})
	summary, err := store.MigrateShardLayout(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Performed)
	assert.Zero(t, summary.Migrated)

	// an expired guard no longer blocks
	record.ExpiresAt = nowMillis() - 1
	body, err = json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, MigrationLockPath), body, 0o644))

	summary, err = store.MigrateShardLayout(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Performed)
	assert.Equal(t, 4, summary.Migrated)
}
