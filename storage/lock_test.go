package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaly-z/brainy/common"
)

func newTestFileLocks(t *testing.T) *FileLockManager {
	t.Helper()
	return NewFileLockManager(filepath.Join(t.TempDir(), "locks"), common.AdapterLogger("test", ""))
}

// Lock exclusion: two managers over the same directory, exactly one wins
// within the TTL.
func TestFileLockExclusion(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "locks")
	a := NewFileLockManager(dir, common.AdapterLogger("a", ""))
	b := NewFileLockManager(dir, common.AdapterLogger("b", ""))

	okA, err := a.AcquireWithValue(ctx, "k", "value-a", time.Minute)
	require.NoError(t, err)
	require.True(t, okA)

	okB, err := b.AcquireWithValue(ctx, "k", "value-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, okB, "a held lease must exclude other holders")

	// contention is not an error, and the holder can refresh idempotently
	okAgain, err := a.AcquireWithValue(ctx, "k", "value-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, okAgain)
}

func TestFileLockExpiryAndStolenRelease(t *testing.T) {
	ctx := context.Background()
	locks := newTestFileLocks(t)

	ok, err := locks.AcquireWithValue(ctx, "k", "first", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	// expired lease can be taken over
	ok, err = locks.AcquireWithValue(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the previous holder cannot release the stolen lock
	err = locks.Release(ctx, "k", "first")
	require.Error(t, err)

	// the current holder can
	require.NoError(t, locks.Release(ctx, "k", "second"))
	require.NoError(t, locks.Release(ctx, "k", "second"), "releasing an absent lock succeeds")
}

func TestFileLockCleanupExpired(t *testing.T) {
	ctx := context.Background()
	locks := newTestFileLocks(t)

	ok, err := locks.AcquireWithValue(ctx, "stale", "v", 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = locks.AcquireWithValue(ctx, "live", "v", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	removed, err := locks.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// the live lease still excludes
	ok, err = locks.AcquireWithValue(ctx, "live", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileLockCorruptRecordIsDiscarded(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "locks")
	locks := NewFileLockManager(dir, common.AdapterLogger("test", ""))

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.lock"), []byte("{torn"), 0o644))

	ok, err := locks.AcquireWithValue(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a torn lock record must not wedge acquisition")
}

func TestObjectLockExclusion(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	a := NewObjectLockManager(client, "bucket", common.AdapterLogger("a", ""))
	b := NewObjectLockManager(client, "bucket", common.AdapterLogger("b", ""))

	okA, err := a.AcquireWithValue(ctx, "k", "value-a", time.Minute)
	require.NoError(t, err)
	require.True(t, okA)

	okB, err := b.AcquireWithValue(ctx, "k", "value-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, okB)

	// value-checked release
	err = b.Release(ctx, "k", "value-b")
	require.Error(t, err)
	require.NoError(t, a.Release(ctx, "k", "value-a"))

	okB, err = b.AcquireWithValue(ctx, "k", "value-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, okB)
}

func TestObjectLockCleanupExpired(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	locks := NewObjectLockManager(client, "bucket", common.AdapterLogger("test", ""))

	ok, err := locks.AcquireWithValue(ctx, "stale", "v", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = locks.AcquireWithValue(ctx, "live", "v", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	removed, err := locks.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestLockRecordExpired(t *testing.T) {
	now := time.Now()
	record := LockRecord{Value: "v", ExpiresAt: now.Add(time.Minute).UnixMilli()}
	assert.False(t, record.Expired(now))
	assert.True(t, record.Expired(now.Add(2*time.Minute)))

	data, err := json.Marshal(&record)
	require.NoError(t, err)
	var decoded LockRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, record.Value, decoded.Value)
}
