package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Pagination termination: following nextCursor over a static dataset
// visits each id exactly once and ends with hasMore=false within the
// expected number of calls.
func TestNounPaginationTermination(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	const total = 23
	const limit = 5
	for i := 0; i < total; i++ {
		require.NoError(t, store.SaveNoun(ctx, testNoun(fmt.Sprintf("ab%06d", i))))
	}

	seen := make(map[string]int)
	cursor := ""
	calls := 0
	for {
		calls++
		require.LessOrEqual(t, calls, total/limit+2, "pagination must terminate")
		page, err := store.GetNounsWithPagination(ctx, PaginationOptions{Limit: limit, Cursor: cursor})
		require.NoError(t, err)
		for _, noun := range page.Items {
			seen[noun.ID]++
		}
		if !page.HasMore {
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s visited more than once", id)
	}
}

func TestPaginationEmptyAndBadCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	page, err := store.GetNounsWithPagination(ctx, PaginationOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	_, err = store.GetNounsWithPagination(ctx, PaginationOptions{Limit: 10, Cursor: "not-a-number"})
	require.Error(t, err)
}

func TestPaginationTypeFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	require.NoError(t, store.SaveNoun(ctx, testNoun("aa000001")))
	require.NoError(t, store.SaveNounMetadata(ctx, "aa000001", &NounMetadata{Noun: "person"}))
	require.NoError(t, store.SaveNoun(ctx, testNoun("bb000002")))

	page, err := store.GetNounsWithPagination(ctx, PaginationOptions{Limit: 10, EntityType: "person"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "aa000001", page.Items[0].ID)
}

func TestVerbPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestMemory(t)

	for i := 0; i < 7; i++ {
		require.NoError(t, store.SaveVerb(ctx, &Verb{
			ID:       fmt.Sprintf("cc%06d", i),
			Vector:   []float32{1},
			Verb:     "knows",
			SourceID: "aa000001",
			TargetID: "bb000002",
		}))
	}

	first, err := store.GetVerbsWithPagination(ctx, PaginationOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, first.Items, 4)
	assert.True(t, first.HasMore)

	second, err := store.GetVerbsWithPagination(ctx, PaginationOptions{Limit: 4, Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 3)
	assert.False(t, second.HasMore)
}
