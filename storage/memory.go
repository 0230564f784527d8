package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vitaly-z/brainy/common"
)

// MemoryStorage is the in-process adapter. Object bodies are kept as
// encoded bytes in a map guarded by a read-write mutex, so the memory
// adapter exercises the same codec and derived-operation paths as the
// durable adapters and serves as the projection target for COW snapshots
// and as the substrate of unit tests.
type MemoryStorage struct {
	*baseStore
	codec *Codec

	mu      sync.RWMutex
	objects map[string][]byte
	inited  bool
}

// MemoryOptions configures a memory adapter.
type MemoryOptions struct {
	Compression      bool
	CompressionLevel int
	ReadOnly         bool
}

// NewMemoryStorage constructs a memory adapter. Compression defaults off:
// in-process bodies gain nothing from gzip, but tests flip it on to cover
// the mixed-format read path.
func NewMemoryStorage(opts MemoryOptions) *MemoryStorage {
	m := &MemoryStorage{
		codec:   NewCodec(opts.Compression, opts.CompressionLevel),
		objects: make(map[string][]byte),
	}
	m.baseStore = newBaseStore("memory", m, nil, common.AdapterLogger("memory", ""))
	m.baseStore.readOnly = opts.ReadOnly
	return m
}

// Init marks the adapter ready. There is nothing to bootstrap in-process.
func (m *MemoryStorage) Init(ctx context.Context) error {
	m.mu.Lock()
	m.inited = true
	m.mu.Unlock()
	return nil
}

// Close discards nothing; the map lives as long as the adapter.
func (m *MemoryStorage) Close(ctx context.Context) error {
	return nil
}

// WriteObjectToPath stores the encoded body under the codec's physical
// path, removing the alternate-format twin.
func (m *MemoryStorage) WriteObjectToPath(ctx context.Context, path string, value interface{}) error {
	if m.readOnly {
		return newError(KindReadOnly, "writeObject", path, nil)
	}
	body, err := m.codec.Encode(path, value)
	if err != nil {
		return newError(KindIO, "writeObject", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.codec.PhysicalPath(path)] = body
	delete(m.objects, m.codec.TwinPath(path))
	return nil
}

// ReadObjectFromPath reads either format of a logical path.
func (m *MemoryStorage) ReadObjectFromPath(ctx context.Context, path string, out interface{}) error {
	m.mu.RLock()
	compressed, okGz := m.objects[path+CompressedSuffix]
	plain, okPlain := m.objects[path]
	m.mu.RUnlock()
	switch {
	case okGz:
		return m.codec.Decode(compressed, true, path, out)
	case okPlain:
		return m.codec.Decode(plain, false, path, out)
	default:
		return newError(KindNotFound, "readObject", path, nil)
	}
}

// DeleteObjectFromPath removes both format twins; deleting an absent path
// succeeds.
func (m *MemoryStorage) DeleteObjectFromPath(ctx context.Context, path string) error {
	if m.readOnly {
		return newError(KindReadOnly, "deleteObject", path, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.objects, path+CompressedSuffix)
	return nil
}

// ListObjectsUnderPath returns the sorted logical paths below a prefix.
func (m *MemoryStorage) ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	physical := make([]string, 0, len(m.objects))
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			physical = append(physical, path)
		}
	}
	m.mu.RUnlock()
	sort.Strings(physical)
	return normalizeListing(physical), nil
}

// CorruptObject overwrites a stored body with bytes that fail decoding.
// Test hook for the corrupt-metadata soft-skip behavior.
func (m *MemoryStorage) CorruptObject(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path+CompressedSuffix)
	m.objects[path] = []byte("{not json")
}

var _ Storage = (*MemoryStorage)(nil)
