package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileLockManager implements advisory leases as JSON lock files under the
// adapter's locks/ directory. A lease is held while its expiry is in the
// future; acquiring over an expired record replaces it. Release with a
// non-empty value deletes the record only when it matches the stored one,
// so an expired-and-stolen lock cannot be released by its previous holder.
//
// The lock is non-fair and non-reentrant; callers must not assume FIFO
// ordering under contention.
type FileLockManager struct {
	dir string
	log *logrus.Entry
}

// NewFileLockManager creates a lock manager rooted at dir.
func NewFileLockManager(dir string, log *logrus.Entry) *FileLockManager {
	return &FileLockManager{dir: dir, log: log.WithField("component", "file-locks")}
}

func (l *FileLockManager) lockFile(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

// Acquire takes the lease under a fresh random value. It returns false on
// contention and on substrate errors; contention is not an error.
func (l *FileLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.AcquireWithValue(ctx, key, uuid.NewString(), ttl)
}

// AcquireWithValue takes the lease under a caller-chosen value. Holding a
// lease and reacquiring with the same value refreshes the expiry
// idempotently.
func (l *FileLockManager) AcquireWithValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	path := l.lockFile(key)
	current, err := l.readRecord(path)
	if err != nil {
		l.log.WithField("key", key).WithError(err).Warn("failed to read lock record")
		return false, nil
	}
	if current != nil && !current.Expired(time.Now()) && current.Value != value {
		return false, nil
	}
	record := LockRecord{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
		OwnerPid:  os.Getpid(),
	}
	if err := l.writeRecord(path, &record); err != nil {
		l.log.WithField("key", key).WithError(err).Warn("failed to write lock record")
		return false, nil
	}
	return true, nil
}

// Release deletes the lease when value matches the stored record. A
// mismatched or absent record is left untouched. An empty value skips the
// check and deletes any record.
func (l *FileLockManager) Release(ctx context.Context, key, value string) error {
	path := l.lockFile(key)
	current, err := l.readRecord(path)
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if current == nil {
		return nil
	}
	if value != "" && current.Value != value {
		return newError(KindConflict, "releaseLock", key,
			fmt.Errorf("lock %s held under a different value", key))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock %s: %w", key, err)
	}
	return nil
}

// CleanupExpired sweeps the locks directory and deletes expired records,
// returning how many were removed. Errors never surface to the initiating
// caller; they are logged and the sweep continues.
func (l *FileLockManager) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		l.log.WithError(err).Warn("failed to list lock directory")
		return 0, nil
	}
	removed := 0
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		record, err := l.readRecord(path)
		if err != nil || record == nil {
			continue
		}
		if !record.Expired(now) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.log.WithField("lock", entry.Name()).WithError(err).Warn("failed to remove expired lock")
			continue
		}
		removed++
	}
	return removed, nil
}

// readRecord returns nil without error when the lock file is absent, and
// treats an unparseable record as absent: a torn lock write must not wedge
// every future acquisition.
func (l *FileLockManager) readRecord(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		l.log.WithField("path", path).WithError(err).Warn("discarding corrupt lock record")
		return nil, nil
	}
	return &record, nil
}

// writeRecord writes the lease atomically via temp-then-rename.
func (l *FileLockManager) writeRecord(path string, record *LockRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d.%s", path, time.Now().UnixMilli(), uuid.NewString()[:8])
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

var _ LockManager = (*FileLockManager)(nil)
