package storage

import (
	"fmt"
	"strings"
	"time"
)

// Logical path surface. Every adapter computes object locations through the
// functions in this file; no other code builds entity paths. Paths use
// forward slashes regardless of platform, matching S3 key syntax, and the
// filesystem adapter maps them onto the local separator at the I/O layer.

const (
	// EntitiesPrefix roots the sharded entity hierarchy.
	EntitiesPrefix = "entities"
	// SystemPrefix roots index-wide records.
	SystemPrefix = "_system"
	// IndexesPrefix roots legacy index records kept for older readers.
	IndexesPrefix = "indexes"
	// LocksPrefix roots distributed lock records.
	LocksPrefix = "locks"
	// ChangeLogPrefix roots append-only mutation events.
	ChangeLogPrefix = "change-log"
	// CowPrefix roots the copy-on-write substrate. Its contents are opaque
	// to this package.
	CowPrefix = "_cow"
	// BranchesPrefix roots per-branch entity trees used by the COW layer.
	BranchesPrefix = "branches"
)

// Well-known object paths.
const (
	// HNSWSystemPath holds the index-wide entry point record.
	HNSWSystemPath = SystemPrefix + "/hnsw-system.json"
	// TypeStatisticsPath holds the router's per-type counter snapshot.
	TypeStatisticsPath = SystemPrefix + "/type-statistics.json"
	// CountsSnapshotPath holds the filesystem adapter's counts snapshot.
	CountsSnapshotPath = SystemPrefix + "/counts.json"
	// CowDisabledMarkerPath is the zero-byte sentinel written by clear()
	// to keep subsequent instances from re-bootstrapping COW.
	CowDisabledMarkerPath = SystemPrefix + "/cow-disabled"
	// LegacyStatisticsPath is the pre-daily statistics key still written
	// for backward compatibility with older readers.
	LegacyStatisticsPath = IndexesPrefix + "/statistics.json"
	// MigrationLockPath guards the one-shot shard layout migration.
	MigrationLockPath = ".migration-lock"
)

// Path sections within a type bucket.
const (
	SectionVectors  = "vectors"
	SectionMetadata = "metadata"
	SectionHNSW     = "hnsw"
)

// ShardPrefix returns the two-character shard directory for an id: its
// first two characters, lowercased. Ids shorter than two characters or with
// a non-hex prefix fail fast with an InvalidId error; the scheme never
// guesses an alternative placement.
func ShardPrefix(id string) (string, error) {
	if len(id) < 2 {
		return "", newError(KindInvalidID, "shardPrefix", id, fmt.Errorf("id %q shorter than 2 characters", id))
	}
	shard := strings.ToLower(id[:2])
	for i := 0; i < 2; i++ {
		c := shard[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", newError(KindInvalidID, "shardPrefix", id, fmt.Errorf("id %q has non-hex shard prefix %q", id, shard))
		}
	}
	return shard, nil
}

// EntityPath computes the canonical sharded path for one entity object:
// entities/{nouns|verbs}/{type}/{section}/{ab}/{id}.json
func EntityPath(kind EntityKind, entityType, section, id string) (string, error) {
	shard, err := ShardPrefix(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s.json", EntitiesPrefix, kind, entityType, section, shard, id), nil
}

// VectorPath computes the vector-file path for an entity.
func VectorPath(kind EntityKind, entityType, id string) (string, error) {
	return EntityPath(kind, entityType, SectionVectors, id)
}

// MetadataPath computes the metadata path for an entity.
func MetadataPath(kind EntityKind, entityType, id string) (string, error) {
	return EntityPath(kind, entityType, SectionMetadata, id)
}

// HNSWPath computes the per-noun HNSW record path. The adapter may instead
// reuse the connections and level fields of the vector file; both locations
// are part of the documented surface.
func HNSWPath(entityType, id string) (string, error) {
	return EntityPath(KindNouns, entityType, SectionHNSW, id)
}

// TypePrefix returns the listing prefix covering one section of one type
// bucket, e.g. entities/nouns/person/vectors/.
func TypePrefix(kind EntityKind, entityType, section string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", EntitiesPrefix, kind, entityType, section)
}

// KindPrefix returns the listing prefix covering every type bucket of one
// entity kind.
func KindPrefix(kind EntityKind) string {
	return fmt.Sprintf("%s/%s/", EntitiesPrefix, kind)
}

// LockPath returns the lock record path for a key. The filesystem adapter
// appends the .lock suffix; object stores use the bare key.
func LockPath(key string, fileSuffix bool) string {
	if fileSuffix {
		return LocksPrefix + "/" + key + ".lock"
	}
	return LocksPrefix + "/" + key
}

// ChangeLogEntryPath returns the object path for one change-log entry. The
// timestamp orders entries; the random suffix keeps concurrent writers from
// colliding within one millisecond.
func ChangeLogEntryPath(timestamp int64, random string) string {
	return fmt.Sprintf("%s/%d-%s.json", ChangeLogPrefix, timestamp, random)
}

// DailyStatisticsPath returns the object-store statistics key for one day:
// _system/statistics_YYYYMMDD.json.
func DailyStatisticsPath(t time.Time) string {
	return fmt.Sprintf("%s/statistics_%s.json", SystemPrefix, t.UTC().Format("20060102"))
}

// IDFromPath extracts the entity id from a logical entity path by taking
// the final segment and stripping the .json / .json.gz extension. Returns
// an empty string when the path has no file segment.
func IDFromPath(path string) string {
	idx := strings.LastIndex(path, "/")
	name := path[idx+1:]
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".json")
	return name
}

// TypeFromPath extracts the entity type from a canonical entity path, or an
// empty string when the path does not match the scheme.
func TypeFromPath(path string) string {
	parts := strings.Split(path, "/")
	// entities/{kind}/{type}/{section}/{ab}/{id}.json
	if len(parts) != 6 || parts[0] != EntitiesPrefix {
		return ""
	}
	return parts[2]
}
