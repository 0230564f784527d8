package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaly-z/brainy/cow"
)

// commitFixture saves nouns into a filesystem adapter and snapshots them
// into a commit, returning the repo and commit id.
func commitFixture(t *testing.T, ctx context.Context) (*FilesystemStorage, *cow.Store, string) {
	t.Helper()
	root := t.TempDir()
	store := newTestFilesystem(t, root, true)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	require.NoError(t, store.SaveNounMetadata(ctx, "ab12cd34", &NounMetadata{Noun: "person"}))

	repo, err := cow.Open(filepath.Join(root, CowPrefix, "cow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	commitID, err := SnapshotToCommit(ctx, store, repo, "main", "fixture")
	require.NoError(t, err)
	return store, repo, commitID
}

// Historical view: reads return the committed state even after the live
// storage mutates, and every write fails.
func TestHistoricalViewProjection(t *testing.T) {
	ctx := context.Background()
	live, repo, commitID := commitFixture(t, ctx)

	// mutate live storage after the commit
	mutated, err := live.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	mutated.Vector = []float32{9, 9, 9}
	require.NoError(t, live.SaveNoun(ctx, mutated))

	view, err := NewHistoricalStorage(HistoricalOptions{
		Repository: repo,
		CommitID:   commitID,
	})
	require.NoError(t, err)
	require.NoError(t, view.Init(ctx))

	got, err := view.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Vector,
		"historical reads must see the pre-mutation value")

	meta, err := view.GetNounMetadata(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "person", meta.Noun)
}

func TestHistoricalViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	_, repo, commitID := commitFixture(t, ctx)

	view, err := NewHistoricalStorage(HistoricalOptions{Repository: repo, CommitID: commitID})
	require.NoError(t, err)
	require.NoError(t, view.Init(ctx))

	err = view.SaveNoun(ctx, testNoun("ff00aa11"))
	require.Error(t, err)
	assert.True(t, IsReadOnly(err))

	err = view.WriteObjectToPath(ctx, "entities/x.json", map[string]string{})
	require.Error(t, err)
	assert.True(t, IsReadOnly(err))

	err = view.DeleteObjectFromPath(ctx, "entities/x.json")
	require.Error(t, err)
	assert.True(t, IsReadOnly(err))

	err = view.Clear(ctx)
	require.Error(t, err)
	assert.True(t, IsReadOnly(err))
}

func TestHistoricalViewBranchHead(t *testing.T) {
	ctx := context.Background()
	_, repo, _ := commitFixture(t, ctx)

	view, err := NewHistoricalStorage(HistoricalOptions{Repository: repo, Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, view.Init(ctx))
	require.NotNil(t, view.Commit())

	got, err := view.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestHistoricalViewUnknownCommit(t *testing.T) {
	ctx := context.Background()
	_, repo, _ := commitFixture(t, ctx)

	view, err := NewHistoricalStorage(HistoricalOptions{Repository: repo, CommitID: "no-such-commit"})
	require.NoError(t, err)
	err = view.Init(ctx)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestHistoricalViewListing(t *testing.T) {
	ctx := context.Background()
	_, repo, commitID := commitFixture(t, ctx)

	view, err := NewHistoricalStorage(HistoricalOptions{Repository: repo, CommitID: commitID})
	require.NoError(t, err)
	require.NoError(t, view.Init(ctx))

	listed, err := view.ListObjectsUnderPath(ctx, TypePrefix(KindNouns, "person", SectionVectors))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "entities/nouns/person/vectors/ab/ab12cd34.json", listed[0])
}

func TestHistoricalViewStatus(t *testing.T) {
	ctx := context.Background()
	_, repo, commitID := commitFixture(t, ctx)

	view, err := NewHistoricalStorage(HistoricalOptions{Repository: repo, CommitID: commitID})
	require.NoError(t, err)
	require.NoError(t, view.Init(ctx))

	status, err := view.GetStorageStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "historical", status.Type)
	assert.True(t, status.ReadOnly)
}
