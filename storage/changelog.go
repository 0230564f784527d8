package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// changeLogRandLen bounds the random suffix appended to change-log keys so
// concurrent writers never collide within one millisecond.
const changeLogRandLen = 8

// changeLog appends mutation events through an adapter's primitives and
// answers getChangesSince queries by listing and reading the change-log
// prefix. Appends are best-effort: a failure is logged at warn and never
// aborts the originating mutation, because the entity files themselves are
// the canonical state.
type changeLog struct {
	objects    ObjectStore
	instanceID string
	log        *logrus.Entry
}

func newChangeLog(objects ObjectStore, instanceID string, log *logrus.Entry) *changeLog {
	return &changeLog{objects: objects, instanceID: instanceID, log: log}
}

// Append records one mutation event. Errors are swallowed after logging.
func (c *changeLog) Append(ctx context.Context, operation, entityType, entityID string, data interface{}) {
	entry := ChangeLogEntry{
		Timestamp:  nowMillis(),
		Operation:  operation,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		InstanceID: c.instanceID,
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:changeLogRandLen]
	path := ChangeLogEntryPath(entry.Timestamp, random)
	if err := c.objects.WriteObjectToPath(ctx, path, entry); err != nil {
		c.log.WithFields(logrus.Fields{
			"path":      path,
			"entity_id": entityID,
			"operation": operation,
		}).WithError(err).Warn("failed to append change-log entry")
	}
}

// ChangesSince returns entries with Timestamp >= since, sorted ascending by
// timestamp and truncated to max (0 means unbounded). Unreadable entries
// are skipped with a warning; the log favors availability.
func (c *changeLog) ChangesSince(ctx context.Context, since int64, max int) ([]ChangeLogEntry, error) {
	paths, err := c.objects.ListObjectsUnderPath(ctx, ChangeLogPrefix+"/")
	if err != nil {
		return nil, err
	}
	entries := make([]ChangeLogEntry, 0, len(paths))
	for _, path := range paths {
		if ts, ok := changeLogTimestamp(path); ok && ts < since {
			continue
		}
		var entry ChangeLogEntry
		if err := c.objects.ReadObjectFromPath(ctx, path, &entry); err != nil {
			if IsNotFound(err) {
				continue
			}
			c.log.WithField("path", path).WithError(err).Warn("skipping unreadable change-log entry")
			continue
		}
		if entry.Timestamp < since {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	return entries, nil
}

// Cleanup deletes entries older than the retention horizon and returns how
// many were removed. Failures are logged and never surfaced to the caller.
func (c *changeLog) Cleanup(ctx context.Context, olderThan int64) int {
	paths, err := c.objects.ListObjectsUnderPath(ctx, ChangeLogPrefix+"/")
	if err != nil {
		c.log.WithError(err).Warn("failed to list change-log entries for cleanup")
		return 0
	}
	removed := 0
	for _, path := range paths {
		ts, ok := changeLogTimestamp(path)
		if !ok || ts >= olderThan {
			continue
		}
		if err := c.objects.DeleteObjectFromPath(ctx, path); err != nil {
			c.log.WithField("path", path).WithError(err).Warn("failed to delete change-log entry")
			continue
		}
		removed++
	}
	return removed
}

// changeLogTimestamp parses the embedded timestamp out of a change-log
// object path.
func changeLogTimestamp(path string) (int64, bool) {
	name := path[strings.LastIndex(path, "/")+1:]
	dash := strings.IndexByte(name, '-')
	if dash <= 0 {
		return 0, false
	}
	var ts int64
	for _, r := range name[:dash] {
		if r < '0' || r > '9' {
			return 0, false
		}
		ts = ts*10 + int64(r-'0')
	}
	return ts, true
}
