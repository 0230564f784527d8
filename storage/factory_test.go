package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaly-z/brainy/config"
)

func TestFactoryMemory(t *testing.T) {
	cfg := config.DefaultStorageConfig()
	cfg.Adapter = config.AdapterMemory

	router, err := NewStorageFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, router.Init(context.Background()))
	assert.Equal(t, "memory", router.Underlying().(*MemoryStorage).kindName)
}

func TestFactoryFilesystem(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultStorageConfig()
	cfg.Root = t.TempDir()

	router, err := NewStorageFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, router.Init(ctx))

	require.NoError(t, router.SaveNounWithMetadata(ctx, testNoun("ab12cd34"), &NounMetadata{Noun: "person"}))
	got, err := router.GetNoun(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.NotNil(t, got)
	require.NoError(t, router.Close(ctx))
}

func TestFactoryUnknownAdapter(t *testing.T) {
	cfg := config.DefaultStorageConfig()
	cfg.Adapter = "tape"
	_, err := NewStorageFromConfig(cfg)
	assert.Error(t, err)
}
