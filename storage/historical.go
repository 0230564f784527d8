package storage

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaly-z/brainy/common"
	"github.com/vitaly-z/brainy/cow"
)

// DefaultHistoricalCacheSize bounds the blob LRU of a historical view.
const DefaultHistoricalCacheSize = 10_000

// HistoricalOptions selects the commit a historical view projects.
type HistoricalOptions struct {
	Repository cow.Repository
	CommitID   string // empty means the branch head
	Branch     string // default main
	CacheSize  int    // LRU entries, default 10000
}

// HistoricalStorage is the read-only adapter projecting one committed tree
// into the storage interface. No entities are loaded at initialization:
// reads walk the commit's tree lazily and raw blob bodies land in a bounded
// LRU, decoded on each read. Every write primitive fails with ReadOnly, and reads never observe
// mutations committed to the live storage after the projected commit.
type HistoricalStorage struct {
	*baseStore
	opts   HistoricalOptions
	commit *cow.Commit
	cache  *lru.Cache[string, []byte]
	codec  *Codec

	treeOnce sync.Once
	tree     map[string]string
	treeErr  error
}

// NewHistoricalStorage constructs a historical view. Init verifies the
// commit.
func NewHistoricalStorage(opts HistoricalOptions) (*HistoricalStorage, error) {
	if opts.Repository == nil {
		return nil, newError(KindEnvironmentUnsupported, "newHistorical", "", fmt.Errorf("nil repository"))
	}
	if opts.Branch == "" {
		opts.Branch = cow.DefaultBranch
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultHistoricalCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, newError(KindEnvironmentUnsupported, "newHistorical", "", err)
	}
	h := &HistoricalStorage{
		opts:  opts,
		cache: cache,
		codec: NewCodec(false, 0),
	}
	h.baseStore = newBaseStore("historical", h, nil, common.AdapterLogger("historical", opts.CommitID))
	h.baseStore.readOnly = true
	return h, nil
}

// Init resolves and verifies the projected commit via the commit log.
func (h *HistoricalStorage) Init(ctx context.Context) error {
	var err error
	if h.opts.CommitID != "" {
		h.commit, err = h.opts.Repository.GetCommit(h.opts.CommitID)
	} else {
		h.commit, err = h.opts.Repository.HeadCommit(h.opts.Branch)
	}
	if err != nil {
		return newError(KindNotFound, "init", h.opts.CommitID, err)
	}
	return nil
}

// Close drops the cache.
func (h *HistoricalStorage) Close(ctx context.Context) error {
	h.cache.Purge()
	return nil
}

// Commit returns the projected commit after Init.
func (h *HistoricalStorage) Commit() *cow.Commit {
	return h.commit
}

// loadTree walks the commit's tree exactly once per view.
func (h *HistoricalStorage) loadTree() (map[string]string, error) {
	h.treeOnce.Do(func() {
		if h.commit == nil {
			h.treeErr = newError(KindEnvironmentUnsupported, "loadTree", "", fmt.Errorf("historical view not initialized"))
			return
		}
		h.tree, h.treeErr = h.opts.Repository.GetTree(h.commit.TreeID)
	})
	return h.tree, h.treeErr
}

// ReadObjectFromPath resolves a logical path against the commit's tree,
// compressed name first, caches the blob bytes as stored and decodes them.
func (h *HistoricalStorage) ReadObjectFromPath(ctx context.Context, path string, out interface{}) error {
	tree, err := h.loadTree()
	if err != nil {
		return err
	}
	for _, name := range []string{path + CompressedSuffix, path} {
		if body, ok := h.cache.Get(name); ok {
			return h.codec.Decode(body, IsCompressedPath(name), path, out)
		}
		blobID, ok := tree[name]
		if !ok {
			continue
		}
		body, err := h.opts.Repository.GetBlob(blobID)
		if err != nil {
			return newError(KindIO, "readObject", path, err)
		}
		h.cache.Add(name, body)
		return h.codec.Decode(body, IsCompressedPath(name), path, out)
	}
	return newError(KindNotFound, "readObject", path, nil)
}

// ListObjectsUnderPath walks the tree once and returns the sorted logical
// names under the prefix.
func (h *HistoricalStorage) ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error) {
	tree, err := h.loadTree()
	if err != nil {
		return nil, err
	}
	var physical []string
	for name := range tree {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			physical = append(physical, name)
		}
	}
	return normalizeListing(physical), nil
}

// WriteObjectToPath always fails: a historical view is immutable.
func (h *HistoricalStorage) WriteObjectToPath(ctx context.Context, path string, value interface{}) error {
	return newError(KindReadOnly, "writeObject", path, nil)
}

// DeleteObjectFromPath always fails: a historical view is immutable.
func (h *HistoricalStorage) DeleteObjectFromPath(ctx context.Context, path string) error {
	return newError(KindReadOnly, "deleteObject", path, nil)
}

var _ Storage = (*HistoricalStorage)(nil)
