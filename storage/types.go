// Package storage implements the pluggable persistence engine for the brainy
// vector-graph database. Nouns are embedded graph vertices, verbs are
// embedded edges between them; both carry a vector, HNSW neighbor lists and
// separately stored user metadata.
//
// The package exposes a single Storage interface backed by a closed set of
// adapters (memory, filesystem, S3-family object store, historical read-only
// view) plus a type-aware routing decorator that organizes entities by their
// semantic type. Adapters share the sharded path scheme, gzip codec, count
// registry, distributed lock manager, change log and adaptive backpressure
// defined in this package.
package storage

import (
	"sort"
	"time"
)

// Noun is an embedded graph vertex. The vector file stores exactly these
// fields; user metadata lives in a separate object so that neighbor
// traversals never deserialize metadata payloads.
type Noun struct {
	ID          string           `json:"id"`
	Vector      []float32        `json:"vector"`
	Connections map[int][]string `json:"connections"`
	Level       int              `json:"level"`
}

// Verb is an embedded graph edge. In addition to the vector fields it
// carries the verb tag and endpoint ids inside the vector file because these
// three fields drive the vast majority of reads.
type Verb struct {
	ID          string           `json:"id"`
	Vector      []float32        `json:"vector"`
	Connections map[int][]string `json:"connections"`
	Level       int              `json:"level"`
	Verb        string           `json:"verb"`
	SourceID    string           `json:"sourceId"`
	TargetID    string           `json:"targetId"`
}

// NounMetadata holds the user-visible attributes of a noun, stored apart
// from the vector file. Noun is the required type discriminator from the
// closed noun tag set. Timestamps are milliseconds since the Unix epoch.
type NounMetadata struct {
	Noun       string                 `json:"noun"`
	CreatedAt  int64                  `json:"createdAt"`
	UpdatedAt  int64                  `json:"updatedAt"`
	Service    string                 `json:"service,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Weight     *float64               `json:"weight,omitempty"`
	CreatedBy  string                 `json:"createdBy,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Custom     map[string]interface{} `json:"custom,omitempty"`
}

// VerbMetadata mirrors NounMetadata for edges, discriminated by the verb
// tag.
type VerbMetadata struct {
	Verb       string                 `json:"verb"`
	CreatedAt  int64                  `json:"createdAt"`
	UpdatedAt  int64                  `json:"updatedAt"`
	Service    string                 `json:"service,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Weight     *float64               `json:"weight,omitempty"`
	CreatedBy  string                 `json:"createdBy,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Custom     map[string]interface{} `json:"custom,omitempty"`
}

// HNSWData is the per-noun graph record: the top layer the noun
// participates in and its neighbor lists per level. It may coincide with
// the fields stored inside the noun vector file.
type HNSWData struct {
	Level       int              `json:"level"`
	Connections map[int][]string `json:"connections"`
}

// HNSWSystem is the index-wide record holding the entry point and the
// current maximum level. An empty EntryPointID means the index is empty.
type HNSWSystem struct {
	EntryPointID string `json:"entryPointId,omitempty"`
	MaxLevel     int    `json:"maxLevel"`
}

// Statistics aggregates entity counts by type plus index-wide totals.
// Counts are persisted as maps keyed by type tag; in memory the registry
// keeps fixed-size arrays for the closed tag sets.
type Statistics struct {
	NounCount     map[string]int64 `json:"nounCount"`
	VerbCount     map[string]int64 `json:"verbCount"`
	MetadataCount map[string]int64 `json:"metadataCount"`
	HNSWIndexSize int64            `json:"hnswIndexSize"`
	TotalNodes    int64            `json:"totalNodes"`
	TotalEdges    int64            `json:"totalEdges"`
	TotalMetadata int64            `json:"totalMetadata"`
	LastUpdated   int64            `json:"lastUpdated"`
}

// NewStatistics returns an empty statistics record with allocated maps.
func NewStatistics() *Statistics {
	return &Statistics{
		NounCount:     make(map[string]int64),
		VerbCount:     make(map[string]int64),
		MetadataCount: make(map[string]int64),
	}
}

// RecomputeTotals refreshes the aggregate totals from the per-type maps.
func (s *Statistics) RecomputeTotals() {
	s.TotalNodes = 0
	for _, n := range s.NounCount {
		s.TotalNodes += n
	}
	s.TotalEdges = 0
	for _, n := range s.VerbCount {
		s.TotalEdges += n
	}
	s.TotalMetadata = 0
	for _, n := range s.MetadataCount {
		s.TotalMetadata += n
	}
}

// MergeMax merges other into s by taking the element-wise maximum of each
// count map and the newer LastUpdated. Two writers flushing concurrently
// therefore never regress each other's counts, at the accepted cost of
// under-counting concurrent decrements within one flush window.
func (s *Statistics) MergeMax(other *Statistics) {
	if other == nil {
		return
	}
	mergeCountMax(s.NounCount, other.NounCount)
	mergeCountMax(s.VerbCount, other.VerbCount)
	mergeCountMax(s.MetadataCount, other.MetadataCount)
	if other.HNSWIndexSize > s.HNSWIndexSize {
		s.HNSWIndexSize = other.HNSWIndexSize
	}
	if other.LastUpdated > s.LastUpdated {
		s.LastUpdated = other.LastUpdated
	}
	s.RecomputeTotals()
}

func mergeCountMax(dst, src map[string]int64) {
	for k, v := range src {
		if v > dst[k] {
			dst[k] = v
		}
	}
}

// Change-log operation tags.
const (
	OperationAdd    = "add"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Change-log entity classes.
const (
	EntityTypeNoun     = "noun"
	EntityTypeVerb     = "verb"
	EntityTypeMetadata = "metadata"
)

// ChangeLogEntry is one append-only mutation event. Entries are loosely
// ordered by their embedded timestamp, never by insertion order.
type ChangeLogEntry struct {
	Timestamp  int64       `json:"timestamp"`
	Operation  string      `json:"operation"`
	EntityType string      `json:"entityType"`
	EntityID   string      `json:"entityId"`
	Data       interface{} `json:"data,omitempty"`
	InstanceID string      `json:"instanceId"`
}

// LockRecord is the persisted lease body. A lock is held while ExpiresAt is
// in the future; release requires the caller's value to match.
type LockRecord struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
	OwnerPid  int    `json:"ownerPid"`
}

// Expired reports whether the lease has passed its expiry.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.UnixMilli() >= l.ExpiresAt
}

// EntityKind discriminates the two entity namespaces of the path scheme.
type EntityKind string

const (
	KindNouns EntityKind = "nouns"
	KindVerbs EntityKind = "verbs"
)

// NormalizeConnections sorts and deduplicates every neighbor list in place
// and drops empty levels. Persisting sorted arrays keeps object bodies
// deterministic and diffable; set semantics are reconstructed on read.
func NormalizeConnections(connections map[int][]string) map[int][]string {
	if connections == nil {
		return nil
	}
	for level, peers := range connections {
		if len(peers) == 0 {
			delete(connections, level)
			continue
		}
		sort.Strings(peers)
		deduped := peers[:1]
		for _, id := range peers[1:] {
			if id != deduped[len(deduped)-1] {
				deduped = append(deduped, id)
			}
		}
		connections[level] = deduped
	}
	return connections
}

// CloneConnections returns a deep copy of a neighbor map.
func CloneConnections(connections map[int][]string) map[int][]string {
	if connections == nil {
		return nil
	}
	out := make(map[int][]string, len(connections))
	for level, peers := range connections {
		cp := make([]string, len(peers))
		copy(cp, peers)
		out[level] = cp
	}
	return out
}

// nowMillis returns the current wall-clock time in epoch milliseconds, the
// timestamp unit used across all persisted records.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
