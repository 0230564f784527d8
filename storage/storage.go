package storage

import (
	"context"
	"time"
)

// ObjectStore is the primitive surface every adapter must implement. All
// derived entity operations are built on these four calls.
//
// Writes are durable and at-most-one-concurrent-writer per path within an
// adapter instance; reads report absence with a NotFound-tagged error;
// deletes are idempotent; listings return sorted logical paths with
// compressed and uncompressed twins collapsed to one entry.
type ObjectStore interface {
	WriteObjectToPath(ctx context.Context, path string, value interface{}) error
	ReadObjectFromPath(ctx context.Context, path string, out interface{}) error
	DeleteObjectFromPath(ctx context.Context, path string) error
	ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error)
}

// PaginationOptions selects one page of a listing. Cursor is an opaque
// string from a previous page's NextCursor; an empty cursor starts at the
// beginning. EntityType narrows the listing to one type bucket when set.
type PaginationOptions struct {
	Limit      int
	Cursor     string
	EntityType string
}

// NounPage is one page of nouns with the continuation contract: HasMore is
// true iff more items exist and the current page made progress, guarding
// callers against infinite loops over corrupt shards.
type NounPage struct {
	Items      []*Noun
	HasMore    bool
	NextCursor string
}

// VerbPage is one page of verbs.
type VerbPage struct {
	Items      []*Verb
	HasMore    bool
	NextCursor string
}

// StorageStatus reports an adapter's identity and health.
type StorageStatus struct {
	Type          string `json:"type"`
	Ready         bool   `json:"ready"`
	ReadOnly      bool   `json:"readOnly"`
	TotalNodes    int64  `json:"totalNodes"`
	TotalEdges    int64  `json:"totalEdges"`
	TotalMetadata int64  `json:"totalMetadata"`
	CowEnabled    bool   `json:"cowEnabled"`
	UptimeMillis  int64  `json:"uptimeMillis"`
}

// Storage is the complete adapter contract: the four primitives plus the
// derived entity operations of the engine. The closed set of
// implementations is Memory, Filesystem, ObjectStore (S3-family) and
// Historical, plus the TypeAwareRouter decorator that wraps any of them.
//
// Reads of absent entities return (nil, nil): absence is recovered locally,
// never surfaced as an error. Corrupt vector files surface a Corrupt error;
// corrupt metadata is downgraded to absence with a one-time warning.
type Storage interface {
	ObjectStore

	// Init prepares the adapter (directory bootstrap, layout migration,
	// counter loading). It must be called once before any other method.
	Init(ctx context.Context) error
	// Close flushes dirty state and releases resources.
	Close(ctx context.Context) error

	SaveNoun(ctx context.Context, noun *Noun) error
	GetNoun(ctx context.Context, id string) (*Noun, error)
	DeleteNoun(ctx context.Context, id string) error

	SaveVerb(ctx context.Context, verb *Verb) error
	GetVerb(ctx context.Context, id string) (*Verb, error)
	DeleteVerb(ctx context.Context, id string) error

	SaveNounMetadata(ctx context.Context, id string, meta *NounMetadata) error
	GetNounMetadata(ctx context.Context, id string) (*NounMetadata, error)
	DeleteNounMetadata(ctx context.Context, id string) error

	SaveVerbMetadata(ctx context.Context, id string, meta *VerbMetadata) error
	GetVerbMetadata(ctx context.Context, id string) (*VerbMetadata, error)
	DeleteVerbMetadata(ctx context.Context, id string) error

	GetNounMetadataBatch(ctx context.Context, ids []string) (map[string]*NounMetadata, error)
	GetVerbMetadataBatch(ctx context.Context, ids []string) (map[string]*VerbMetadata, error)

	GetNounsByType(ctx context.Context, nounType string) ([]*Noun, error)
	GetVerbsBySource(ctx context.Context, sourceID string) ([]*Verb, error)
	GetVerbsByTarget(ctx context.Context, targetID string) ([]*Verb, error)
	GetVerbsByType(ctx context.Context, verbType string) ([]*Verb, error)

	GetNounsWithPagination(ctx context.Context, opts PaginationOptions) (*NounPage, error)
	GetVerbsWithPagination(ctx context.Context, opts PaginationOptions) (*VerbPage, error)

	SaveHNSWData(ctx context.Context, id string, data *HNSWData) error
	GetHNSWData(ctx context.Context, id string) (*HNSWData, error)
	SaveHNSWSystem(ctx context.Context, system *HNSWSystem) error
	GetHNSWSystem(ctx context.Context) (*HNSWSystem, error)

	GetStatisticsData(ctx context.Context) (*Statistics, error)
	SaveStatisticsData(ctx context.Context, stats *Statistics) error

	GetChangesSince(ctx context.Context, since int64, max int) ([]ChangeLogEntry, error)

	Clear(ctx context.Context) error
	GetStorageStatus(ctx context.Context) (*StorageStatus, error)
}

// LockManager is the advisory lease contract shared by the filesystem and
// object-store adapters. Acquire returns false on contention, which is not
// an error; Release with a non-empty value deletes the record only when
// value matches the stored one, so a lock stolen after expiry cannot be
// released by its previous holder. An empty value skips the check.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	AcquireWithValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// BatchProfile describes an adapter's bulk-operation envelope.
type BatchProfile struct {
	MaxBatchSize    int
	InterBatchDelay time.Duration
	MaxConcurrent   int
	ParallelWrites  bool
}
