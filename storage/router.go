package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitaly-z/brainy/common"
)

// defaultRouterCacheSize bounds the router's id -> type LRU.
const defaultRouterCacheSize = 100_000

// RouterOptions configures the type-aware routing decorator.
type RouterOptions struct {
	CacheSize int // id -> type LRU entries, default 100k
}

// TypeAwareRouter is the routing decorator that organizes entities by
// their semantic type. It owns its underlying adapter by pure composition:
// every delegated call goes through the composition edge, and the
// underlying adapter holds no pointer back.
//
// Writes route to type-first paths using the type the caller provides (for
// nouns from metadata, for verbs from the record's own tag). Reads by bare
// id consult the bounded LRU type cache and fall back to probing each type
// bucket sequentially, worst case one read per type in the closed set;
// the first hit re-populates the cache so the next read is a single GET.
// Per-type counters live in the fixed-size registry arrays and are
// snapshotted to the type-statistics record.
type TypeAwareRouter struct {
	*baseStore
	underlying Storage
}

// NewTypeAwareRouter wraps an adapter with type-first routing. The
// underlying adapter must not be used directly for entity operations once
// wrapped; primitive calls remain safe.
func NewTypeAwareRouter(underlying Storage, opts RouterOptions) (*TypeAwareRouter, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultRouterCacheSize
	}
	nounCache, err := newLRUTypeCache(size)
	if err != nil {
		return nil, newError(KindEnvironmentUnsupported, "newRouter", "", err)
	}
	verbCache, err := newLRUTypeCache(size)
	if err != nil {
		return nil, newError(KindEnvironmentUnsupported, "newRouter", "", err)
	}
	r := &TypeAwareRouter{underlying: underlying}
	r.baseStore = newBaseStore("type-aware-router", underlying, nil, common.AdapterLogger("router", ""))
	r.baseStore.nounTypes = nounCache
	r.baseStore.verbTypes = verbCache
	return r, nil
}

// Init initializes the underlying adapter and restores the per-type
// counters from the last persisted type-statistics snapshot.
func (r *TypeAwareRouter) Init(ctx context.Context) error {
	if err := r.underlying.Init(ctx); err != nil {
		return err
	}
	var snapshot Statistics
	switch err := r.underlying.ReadObjectFromPath(ctx, TypeStatisticsPath, &snapshot); {
	case err == nil:
		r.counts.LoadFrom(&snapshot)
	case IsNotFound(err) || IsCorrupt(err):
		if err := r.bootstrapCounts(ctx); err != nil {
			return err
		}
	default:
		return err
	}
	return nil
}

// Close persists the counter snapshot and closes the underlying adapter.
func (r *TypeAwareRouter) Close(ctx context.Context) error {
	if err := r.FlushTypeStatistics(ctx); err != nil {
		r.log.WithError(err).Warn("failed to flush type statistics on close")
	}
	return r.underlying.Close(ctx)
}

// SaveNounWithMetadata persists a noun and its metadata in one call,
// routing the vector write directly into the metadata-declared type bucket
// so no later relocation is needed.
func (r *TypeAwareRouter) SaveNounWithMetadata(ctx context.Context, noun *Noun, meta *NounMetadata) error {
	if meta != nil && meta.Noun != "" {
		r.cacheNounType(noun.ID, meta.Noun)
	}
	if err := r.SaveNoun(ctx, noun); err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	return r.SaveNounMetadata(ctx, noun.ID, meta)
}

// FlushTypeStatistics persists the fixed-size per-type counters to the
// type-statistics record. Close calls this; the maintenance runner does
// not, it flushes through SaveStatisticsData.
func (r *TypeAwareRouter) FlushTypeStatistics(ctx context.Context) error {
	if !r.counts.Dirty() {
		return nil
	}
	snapshot := r.counts.Snapshot()
	if err := r.underlying.WriteObjectToPath(ctx, TypeStatisticsPath, snapshot); err != nil {
		return err
	}
	r.counts.FlushDone(time.Now())
	r.log.WithFields(logrus.Fields{
		"nouns": snapshot.TotalNodes,
		"verbs": snapshot.TotalEdges,
	}).Debug("type statistics persisted")
	return nil
}

// TypeStatistics returns the router's current per-type counters.
func (r *TypeAwareRouter) TypeStatistics() *Statistics {
	return r.counts.Snapshot()
}

// Clear delegates to the underlying adapter and resets the router's
// counters and cache alongside it.
func (r *TypeAwareRouter) Clear(ctx context.Context) error {
	if err := r.underlying.Clear(ctx); err != nil {
		return err
	}
	r.counts.Reset()
	r.ClearTypeCache()
	return nil
}

// GetStorageStatus reports through the underlying adapter, overriding the
// adapter kind with the router identity.
func (r *TypeAwareRouter) GetStorageStatus(ctx context.Context) (*StorageStatus, error) {
	status, err := r.underlying.GetStorageStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := r.counts.Snapshot()
	status.Type = "type-aware-router"
	status.TotalNodes = stats.TotalNodes
	status.TotalEdges = stats.TotalEdges
	status.TotalMetadata = stats.TotalMetadata
	return status, nil
}

// Underlying exposes the wrapped adapter for lifecycle plumbing.
func (r *TypeAwareRouter) Underlying() Storage {
	return r.underlying
}

var _ Storage = (*TypeAwareRouter)(nil)
