package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *MemoryStorage {
	t.Helper()
	store := NewMemoryStorage(MemoryOptions{})
	require.NoError(t, store.Init(context.Background()))
	return store
}

func testNoun(id string) *Noun {
	return &Noun{
		ID:     id,
		Vector: []float32{0.1, 0.2, 0.3},
		Connections: map[int][]string{
			0: {"cd34ef56"},
		},
		Level: 0,
	}
}

// Round-trip: a saved noun comes back with identical fields and
// connections re-materialized as sorted sets.
func TestNounRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	noun := testNoun("ab12cd34")
	noun.Connections = map[int][]string{0: {"ff", "aa", "ff"}, 1: {"bb"}}
	require.NoError(t, store.SaveNoun(ctx, noun))

	got, err := store.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ab12cd34", got.ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Vector)
	assert.Equal(t, map[int][]string{0: {"aa", "ff"}, 1: {"bb"}}, got.Connections)

	missing, err := store.GetNoun(ctx, "dead0000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVerbRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	verb := &Verb{
		ID:       "ee12ff34",
		Vector:   []float32{1, 2},
		Verb:     "knows",
		SourceID: "ab12cd34",
		TargetID: "cd34ef56",
		Connections: map[int][]string{
			0: {"ab12cd34"},
		},
	}
	require.NoError(t, store.SaveVerb(ctx, verb))

	got, err := store.GetVerb(ctx, "ee12ff34")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "knows", got.Verb)
	assert.Equal(t, "ab12cd34", got.SourceID)
	assert.Equal(t, "cd34ef56", got.TargetID)

	bySource, err := store.GetVerbsBySource(ctx, "ab12cd34")
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	byTarget, err := store.GetVerbsByTarget(ctx, "cd34ef56")
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	byType, err := store.GetVerbsByType(ctx, "knows")
	require.NoError(t, err)
	require.Len(t, byType, 1)
}

// Metadata separation: the vector body carries no metadata keys and the
// metadata body carries no vector array.
func TestMetadataSeparation(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	require.NoError(t, store.SaveNounMetadata(ctx, "ab12cd34", &NounMetadata{
		Noun:    "person",
		Service: "test-suite",
		Data:    map[string]interface{}{"name": "Ada"},
	}))

	vectorPath, err := VectorPath(KindNouns, "person", "ab12cd34")
	require.NoError(t, err)
	var vectorBody map[string]interface{}
	require.NoError(t, store.ReadObjectFromPath(ctx, vectorPath, &vectorBody))
	for _, forbidden := range []string{"noun", "service", "data", "createdAt"} {
		assert.NotContains(t, vectorBody, forbidden)
	}

	metaPath, err := MetadataPath(KindNouns, "person", "ab12cd34")
	require.NoError(t, err)
	var metaBody map[string]interface{}
	require.NoError(t, store.ReadObjectFromPath(ctx, metaPath, &metaBody))
	assert.NotContains(t, metaBody, "vector")
	assert.Equal(t, "person", metaBody["noun"])
	assert.NotZero(t, metaBody["createdAt"])
}

// Idempotent delete: both calls succeed, the counter decrements exactly
// once.
func TestIdempotentDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	before := store.counts.NounCount(DefaultNounType)
	require.Equal(t, int64(1), before)

	require.NoError(t, store.DeleteNoun(ctx, "ab12cd34"))
	require.NoError(t, store.DeleteNoun(ctx, "ab12cd34"))

	got, err := store.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(0), store.counts.NounCount(DefaultNounType))
}

// Basic CRUD restores statistics to their pre-state value.
func TestCRUDStatisticsCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	statsBefore, err := store.GetStatisticsData(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SaveNoun(ctx, &Noun{
		ID:          "ab12aaaa",
		Vector:      []float32{0.1, 0.2, 0.3},
		Connections: map[int][]string{0: {"cd34bbbb"}},
	}))
	stats, err := store.GetStatisticsData(ctx)
	require.NoError(t, err)
	assert.Equal(t, statsBefore.NounCount["thing"]+1, stats.NounCount["thing"])

	require.NoError(t, store.DeleteNoun(ctx, "ab12aaaa"))
	statsAfter, err := store.GetStatisticsData(ctx)
	require.NoError(t, err)
	assert.Equal(t, statsBefore.NounCount["thing"], statsAfter.NounCount["thing"])
}

// Type cache consistency: metadata declaring a type makes the noun
// visible to typed listings on the same instance.
func TestTypeCacheConsistency(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	require.NoError(t, store.SaveNounMetadata(ctx, "ab12cd34", &NounMetadata{Noun: "person"}))

	people, err := store.GetNounsByType(ctx, "person")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "ab12cd34", people[0].ID)

	// the default bucket no longer holds the vector
	things, err := store.GetNounsByType(ctx, "thing")
	require.NoError(t, err)
	assert.Empty(t, things)
}

// Type-by-id probe: with a cold cache the read still succeeds within one
// GET per type bucket and re-populates the cache.
func TestTypeProbeAfterCacheClear(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	require.NoError(t, store.SaveNounMetadata(ctx, "ab12cd34", &NounMetadata{Noun: "person"}))

	store.ClearTypeCache()

	got, err := store.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotNil(t, got)

	cached, ok := store.cachedNounType("ab12cd34")
	require.True(t, ok, "probe must re-populate the cache")
	assert.Equal(t, "person", cached)
}

// HNSW mutex: concurrent single-neighbor saves all survive.
func TestHNSWConcurrentNeighborAdds(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, &Noun{
		ID:     "ab12cd34",
		Vector: []float32{0.5},
	}))

	const workers = 8
	const perWorker = 125
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				neighbor := fmt.Sprintf("%02x%06d", worker, i)
				err := store.SaveHNSWData(ctx, "ab12cd34", &HNSWData{
					Level:       1,
					Connections: map[int][]string{0: {neighbor}},
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	data, err := store.GetHNSWData(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Len(t, data.Connections[0], workers*perWorker, "no neighbor add may be lost")
	assert.Equal(t, 1, data.Level)
}

func TestHNSWSystemRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	system, err := store.GetHNSWSystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", system.EntryPointID, "empty index has no entry point")

	require.NoError(t, store.SaveHNSWSystem(ctx, &HNSWSystem{EntryPointID: "ab12cd34", MaxLevel: 4}))
	system, err = store.GetHNSWSystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", system.EntryPointID)
	assert.Equal(t, 4, system.MaxLevel)
}

// Change log ordering: a burst of saves comes back sorted non-decreasing
// with full count.
func TestChangeLogOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	const burst = 20
	start := nowMillis()
	for i := 0; i < burst; i++ {
		require.NoError(t, store.SaveNoun(ctx, testNoun(fmt.Sprintf("ab%06d", i))))
	}

	entries, err := store.GetChangesSince(ctx, start, burst)
	require.NoError(t, err)
	require.Len(t, entries, burst)
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].Timestamp, entries[i].Timestamp)
	}
	for _, entry := range entries {
		assert.Equal(t, OperationAdd, entry.Operation)
		assert.Equal(t, EntityTypeNoun, entry.EntityType)
		assert.NotEmpty(t, entry.InstanceID)
	}

	// truncation honors max
	truncated, err := store.GetChangesSince(ctx, start, 5)
	require.NoError(t, err)
	assert.Len(t, truncated, 5)
}

// Corrupt metadata is skipped softly: the batch returns every readable id
// and omits the corrupted one.
func TestMetadataBatchCorruptSkip(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	ids := []string{"aa000001", "bb000002", "cc000003"}
	for _, id := range ids {
		require.NoError(t, store.SaveNoun(ctx, testNoun(id)))
		require.NoError(t, store.SaveNounMetadata(ctx, id, &NounMetadata{Noun: "person"}))
	}
	corruptPath, err := MetadataPath(KindNouns, "person", "bb000002")
	require.NoError(t, err)
	store.CorruptObject(corruptPath)

	batch, err := store.GetNounMetadataBatch(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Contains(t, batch, "aa000001")
	assert.Contains(t, batch, "cc000003")
	assert.NotContains(t, batch, "bb000002")
}

// Corrupt vector files surface to the caller instead of soft-skipping.
func TestCorruptVectorSurfaces(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	vectorPath, err := VectorPath(KindNouns, DefaultNounType, "ab12cd34")
	require.NoError(t, err)
	store.CorruptObject(vectorPath)

	_, err = store.GetNoun(ctx, "ab12cd34")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestInvalidIDFailsFast(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	err := store.SaveNoun(ctx, testNoun("z"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidID))

	_, err = store.GetNoun(ctx, "!!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidID))
}

func TestClearWritesCowMarker(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))
	assert.True(t, store.CowEnabled(ctx))

	require.NoError(t, store.Clear(ctx))

	got, err := store.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, store.CowEnabled(ctx), "clear must disable copy-on-write")

	status, err := store.GetStorageStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.CowEnabled)
	assert.Zero(t, status.TotalNodes)
}

func TestStorageStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)
	require.NoError(t, store.SaveNoun(ctx, testNoun("ab12cd34")))

	status, err := store.GetStorageStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", status.Type)
	assert.True(t, status.Ready)
	assert.False(t, status.ReadOnly)
	assert.Equal(t, int64(1), status.TotalNodes)
}

// json.RawMessage keeps the verb wire shape stable: the vector body keeps
// verb, sourceId and targetId because they drive most reads.
func TestVerbVectorBodyFields(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveVerb(ctx, &Verb{
		ID:       "ee12ff34",
		Vector:   []float32{1},
		Verb:     "knows",
		SourceID: "ab12cd34",
		TargetID: "cd34ef56",
	}))

	path, err := VectorPath(KindVerbs, "knows", "ee12ff34")
	require.NoError(t, err)
	var raw json.RawMessage
	require.NoError(t, store.ReadObjectFromPath(ctx, path, &raw))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Contains(t, body, "verb")
	assert.Contains(t, body, "sourceId")
	assert.Contains(t, body, "targetId")
}
