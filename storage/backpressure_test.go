package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketManagerAdmission(t *testing.T) {
	manager := NewSocketManager(SocketManagerConfig{MaxConcurrent: 2, HardCeiling: 2})
	ctx := context.Background()

	require.NoError(t, manager.RequestPermission(ctx, "a", 1))
	require.NoError(t, manager.RequestPermission(ctx, "b", 1))
	assert.Equal(t, 2, manager.InFlight())

	// the hard ceiling rejects instead of queueing
	err := manager.RequestPermission(ctx, "c", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverloaded))

	manager.ReleasePermission("a", true)
	assert.Equal(t, 1, manager.InFlight())
	require.NoError(t, manager.RequestPermission(ctx, "c", 1))

	manager.ReleasePermission("b", true)
	manager.ReleasePermission("c", true)
	// releasing an unknown id is a no-op
	manager.ReleasePermission("ghost", true)
	assert.Equal(t, 0, manager.InFlight())
}

func TestSocketManagerBatchAdaptation(t *testing.T) {
	manager := NewSocketManager(SocketManagerConfig{MaxConcurrent: 10, MinBatchSize: 10, MaxBatchSize: 80})
	ctx := context.Background()
	assert.Equal(t, 10, manager.BatchSize())

	// sustained success grows the batch toward the ceiling
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("ok-%d", i)
		require.NoError(t, manager.RequestPermission(ctx, id, 1))
		manager.ReleasePermission(id, true)
	}
	assert.Equal(t, 80, manager.BatchSize())
	assert.Greater(t, manager.SuccessRate(), 0.9)

	// sustained failure shrinks it back to the floor
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("bad-%d", i)
		require.NoError(t, manager.RequestPermission(ctx, id, 1))
		manager.ReleasePermission(id, false)
	}
	assert.Equal(t, 10, manager.BatchSize())
	assert.True(t, manager.UnderPressure())
}

func TestSocketManagerCancelledWait(t *testing.T) {
	manager := NewSocketManager(SocketManagerConfig{MaxConcurrent: 1, HardCeiling: 10})
	ctx := context.Background()
	require.NoError(t, manager.RequestPermission(ctx, "holder", 1))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := manager.RequestPermission(cancelled, "waiter", 1)
	require.Error(t, err)
	se, ok := err.(*StorageError)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, se.Kind)
	manager.ReleasePermission("holder", true)
}
