package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// baseStore implements every derived entity operation of the Storage
// interface on top of an adapter's four primitives. Concrete adapters embed
// it and override only what their substrate does differently (clear,
// statistics persistence, native pagination).
//
// The base resolves noun types through a process-local id -> type cache
// primed on writes and first-successful reads; a cache miss probes each
// type bucket sequentially, worst case O(T) reads. Verbs carry their type
// inside the record, so probes only happen for reads by bare id.
type baseStore struct {
	objects    ObjectStore
	counts     *CountRegistry
	changes    *changeLog
	sockets    *SocketManager
	hnswLocks  *keyedMutex
	systemMu   sync.Mutex
	log        *logrus.Entry
	instanceID string
	readOnly   bool
	startedAt  int64
	kindName   string

	nounTypes typeCache
	verbTypes typeCache

	warnOnce sync.Map
}

func newBaseStore(kindName string, objects ObjectStore, sockets *SocketManager, log *logrus.Entry) *baseStore {
	instanceID := uuid.NewString()
	b := &baseStore{
		objects:    objects,
		counts:     NewCountRegistry(),
		sockets:    sockets,
		hnswLocks:  newKeyedMutex(),
		log:        log.WithField("instance", instanceID[:8]),
		instanceID: instanceID,
		startedAt:  nowMillis(),
		kindName:   kindName,
		nounTypes:  newMapTypeCache(),
		verbTypes:  newMapTypeCache(),
	}
	b.changes = newChangeLog(objects, instanceID, b.log)
	return b
}

// Primitive passthroughs. Concrete adapters shadow these with their own
// substrate implementations; the routing decorator inherits them so its
// primitives delegate straight to the wrapped adapter.

func (b *baseStore) WriteObjectToPath(ctx context.Context, path string, value interface{}) error {
	return b.objects.WriteObjectToPath(ctx, path, value)
}

func (b *baseStore) ReadObjectFromPath(ctx context.Context, path string, out interface{}) error {
	return b.objects.ReadObjectFromPath(ctx, path, out)
}

func (b *baseStore) DeleteObjectFromPath(ctx context.Context, path string) error {
	return b.objects.DeleteObjectFromPath(ctx, path)
}

func (b *baseStore) ListObjectsUnderPath(ctx context.Context, prefix string) ([]string, error) {
	return b.objects.ListObjectsUnderPath(ctx, prefix)
}

// batchSize reports the socket manager's current batch size, falling back
// to the default minimum when no manager is wired (memory adapter).
func (b *baseStore) batchSize() int {
	if b.sockets != nil {
		return b.sockets.BatchSize()
	}
	return DefaultMinBatchSize
}

func (b *baseStore) checkWritable(op string) error {
	if b.readOnly {
		return newError(KindReadOnly, op, "", nil)
	}
	return nil
}

// warnOnceFor logs one warning per key per instance; corrupt-metadata skips
// use it so a hot id does not flood the log.
func (b *baseStore) warnOnceFor(key, msg string, err error) {
	if _, loaded := b.warnOnce.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	b.log.WithField("path", key).WithError(err).Warn(msg)
}

// --- type cache ---

func (b *baseStore) cachedNounType(id string) (string, bool) {
	return b.nounTypes.Get(id)
}

func (b *baseStore) cacheNounType(id, nounType string) {
	b.nounTypes.Add(id, nounType)
}

func (b *baseStore) cachedVerbType(id string) (string, bool) {
	return b.verbTypes.Get(id)
}

func (b *baseStore) cacheVerbType(id, verbType string) {
	b.verbTypes.Add(id, verbType)
}

func (b *baseStore) forgetEntity(kind EntityKind, id string) {
	if kind == KindNouns {
		b.nounTypes.Remove(id)
	} else {
		b.verbTypes.Remove(id)
	}
}

// ClearTypeCache drops every cached id -> type association. Subsequent
// reads by bare id fall back to sequential type-bucket probing.
func (b *baseStore) ClearTypeCache() {
	b.nounTypes.Purge()
	b.verbTypes.Purge()
}

// resolveNounType finds the type bucket holding id's vector file: cache
// first, then one probe per type in enumeration order. The first hit
// populates the cache so the next read is a single GET.
func (b *baseStore) resolveNounType(ctx context.Context, id string) (string, bool, error) {
	if t, ok := b.cachedNounType(id); ok {
		return t, true, nil
	}
	for _, t := range NounTypes {
		path, err := VectorPath(KindNouns, t, id)
		if err != nil {
			return "", false, err
		}
		var probe Noun
		err = b.objects.ReadObjectFromPath(ctx, path, &probe)
		if err == nil {
			b.cacheNounType(id, t)
			return t, true, nil
		}
		if IsNotFound(err) {
			continue
		}
		return "", false, err
	}
	return "", false, nil
}

func (b *baseStore) resolveVerbType(ctx context.Context, id string) (string, bool, error) {
	if t, ok := b.cachedVerbType(id); ok {
		return t, true, nil
	}
	for _, t := range VerbTypes {
		path, err := VectorPath(KindVerbs, t, id)
		if err != nil {
			return "", false, err
		}
		var probe Verb
		err = b.objects.ReadObjectFromPath(ctx, path, &probe)
		if err == nil {
			b.cacheVerbType(id, t)
			return t, true, nil
		}
		if IsNotFound(err) {
			continue
		}
		return "", false, err
	}
	return "", false, nil
}

// --- nouns ---

// SaveNoun persists a noun's vector file, creating or fully replacing it.
// The type bucket comes from the cache (primed by metadata saves); a noun
// saved before its metadata lands under the default type and is relocated
// by the following SaveNounMetadata.
func (b *baseStore) SaveNoun(ctx context.Context, noun *Noun) error {
	if err := b.checkWritable("saveNoun"); err != nil {
		return err
	}
	if noun == nil {
		return newError(KindInvalidID, "saveNoun", "", fmt.Errorf("nil noun"))
	}
	nounType, ok := b.cachedNounType(noun.ID)
	if !ok {
		nounType = DefaultNounType
	}
	path, err := VectorPath(KindNouns, nounType, noun.ID)
	if err != nil {
		return err
	}
	NormalizeConnections(noun.Connections)

	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if err := b.objects.WriteObjectToPath(ctx, path, noun); err != nil {
		return err
	}
	b.cacheNounType(noun.ID, nounType)
	operation := OperationUpdate
	if !existed {
		operation = OperationAdd
		b.counts.IncNoun(nounType, 1)
	}
	b.changes.Append(ctx, operation, EntityTypeNoun, noun.ID, nil)
	return nil
}

// GetNoun reads a noun by bare id. Absence returns (nil, nil); a corrupt
// vector file surfaces a Corrupt error.
func (b *baseStore) GetNoun(ctx context.Context, id string) (*Noun, error) {
	nounType, found, err := b.resolveNounType(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	path, err := VectorPath(KindNouns, nounType, id)
	if err != nil {
		return nil, err
	}
	var noun Noun
	if err := b.objects.ReadObjectFromPath(ctx, path, &noun); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &noun, nil
}

// DeleteNoun removes the vector file, the HNSW record and the metadata of a
// noun, decrementing counters exactly once. Deleting an absent noun is a
// no-op.
func (b *baseStore) DeleteNoun(ctx context.Context, id string) error {
	if err := b.checkWritable("deleteNoun"); err != nil {
		return err
	}
	nounType, found, err := b.resolveNounType(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	vectorPath, err := VectorPath(KindNouns, nounType, id)
	if err != nil {
		return err
	}
	metaPath, err := MetadataPath(KindNouns, nounType, id)
	if err != nil {
		return err
	}
	hnswPath, err := HNSWPath(nounType, id)
	if err != nil {
		return err
	}

	hadMeta, err := b.objectExists(ctx, metaPath)
	if err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, vectorPath); err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, hnswPath); err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, metaPath); err != nil {
		return err
	}
	b.counts.IncNoun(nounType, -1)
	if hadMeta {
		b.counts.IncMetadata(KindNouns, nounType, -1)
	}
	b.forgetEntity(KindNouns, id)
	b.changes.Append(ctx, OperationDelete, EntityTypeNoun, id, nil)
	return nil
}

// --- verbs ---

// SaveVerb persists a verb's vector file. The type bucket is the verb's own
// tag; an empty tag falls back to the default.
func (b *baseStore) SaveVerb(ctx context.Context, verb *Verb) error {
	if err := b.checkWritable("saveVerb"); err != nil {
		return err
	}
	if verb == nil {
		return newError(KindInvalidID, "saveVerb", "", fmt.Errorf("nil verb"))
	}
	if verb.Verb == "" {
		verb.Verb = DefaultVerbType
	}
	path, err := VectorPath(KindVerbs, verb.Verb, verb.ID)
	if err != nil {
		return err
	}
	NormalizeConnections(verb.Connections)

	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if err := b.objects.WriteObjectToPath(ctx, path, verb); err != nil {
		return err
	}
	b.cacheVerbType(verb.ID, verb.Verb)
	operation := OperationUpdate
	if !existed {
		operation = OperationAdd
		b.counts.IncVerb(verb.Verb, 1)
	}
	b.changes.Append(ctx, operation, EntityTypeVerb, verb.ID, nil)
	return nil
}

// GetVerb reads a verb by bare id, probing type buckets on a cache miss.
func (b *baseStore) GetVerb(ctx context.Context, id string) (*Verb, error) {
	verbType, found, err := b.resolveVerbType(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	path, err := VectorPath(KindVerbs, verbType, id)
	if err != nil {
		return nil, err
	}
	var verb Verb
	if err := b.objects.ReadObjectFromPath(ctx, path, &verb); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &verb, nil
}

// DeleteVerb removes a verb's vector file and metadata, decrementing the
// type counter exactly once.
func (b *baseStore) DeleteVerb(ctx context.Context, id string) error {
	if err := b.checkWritable("deleteVerb"); err != nil {
		return err
	}
	verbType, found, err := b.resolveVerbType(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	vectorPath, err := VectorPath(KindVerbs, verbType, id)
	if err != nil {
		return err
	}
	metaPath, err := MetadataPath(KindVerbs, verbType, id)
	if err != nil {
		return err
	}
	hadMeta, err := b.objectExists(ctx, metaPath)
	if err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, vectorPath); err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, metaPath); err != nil {
		return err
	}
	b.counts.IncVerb(verbType, -1)
	if hadMeta {
		b.counts.IncMetadata(KindVerbs, verbType, -1)
	}
	b.forgetEntity(KindVerbs, id)
	b.changes.Append(ctx, OperationDelete, EntityTypeVerb, id, nil)
	return nil
}

// --- metadata ---

// SaveNounMetadata persists the user-visible attributes of a noun in its
// own object. The declared noun type routes the metadata, primes the type
// cache, and relocates the vector file when the noun was previously stored
// under a different bucket, keeping vector and metadata co-typed.
func (b *baseStore) SaveNounMetadata(ctx context.Context, id string, meta *NounMetadata) error {
	if err := b.checkWritable("saveNounMetadata"); err != nil {
		return err
	}
	if meta == nil {
		return newError(KindInvalidID, "saveNounMetadata", id, fmt.Errorf("nil metadata"))
	}
	if meta.Noun == "" {
		meta.Noun = DefaultNounType
	}
	now := nowMillis()
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	if err := b.relocateNoun(ctx, id, meta.Noun); err != nil {
		return err
	}

	path, err := MetadataPath(KindNouns, meta.Noun, id)
	if err != nil {
		return err
	}
	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if err := b.objects.WriteObjectToPath(ctx, path, meta); err != nil {
		return err
	}
	b.cacheNounType(id, meta.Noun)
	operation := OperationUpdate
	if !existed {
		operation = OperationAdd
		b.counts.IncMetadata(KindNouns, meta.Noun, 1)
	}
	b.changes.Append(ctx, operation, EntityTypeMetadata, id, nil)
	return nil
}

// relocateNoun moves a noun's vector file into the declared type bucket
// when it currently lives elsewhere, adjusting the per-type counters. The
// prior metadata object, if any, moves with it.
func (b *baseStore) relocateNoun(ctx context.Context, id, declaredType string) error {
	currentType, found, err := b.resolveNounType(ctx, id)
	if err != nil || !found || currentType == declaredType {
		return err
	}
	oldVector, err := VectorPath(KindNouns, currentType, id)
	if err != nil {
		return err
	}
	newVector, err := VectorPath(KindNouns, declaredType, id)
	if err != nil {
		return err
	}
	var noun Noun
	if err := b.objects.ReadObjectFromPath(ctx, oldVector, &noun); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := b.objects.WriteObjectToPath(ctx, newVector, &noun); err != nil {
		return err
	}
	if err := b.objects.DeleteObjectFromPath(ctx, oldVector); err != nil {
		return err
	}

	oldMeta, err := MetadataPath(KindNouns, currentType, id)
	if err != nil {
		return err
	}
	var meta NounMetadata
	switch err := b.objects.ReadObjectFromPath(ctx, oldMeta, &meta); {
	case err == nil:
		if err := b.objects.DeleteObjectFromPath(ctx, oldMeta); err != nil {
			return err
		}
		b.counts.IncMetadata(KindNouns, currentType, -1)
		b.counts.IncMetadata(KindNouns, declaredType, 1)
	case IsNotFound(err) || IsCorrupt(err):
		// nothing to move
	default:
		return err
	}

	b.counts.IncNoun(currentType, -1)
	b.counts.IncNoun(declaredType, 1)
	b.cacheNounType(id, declaredType)
	b.log.WithFields(logrus.Fields{
		"id":   id,
		"from": currentType,
		"to":   declaredType,
	}).Debug("relocated noun to declared type bucket")
	return nil
}

// GetNounMetadata reads a noun's metadata. Absence and corruption both
// return (nil, nil); corruption additionally logs one warning per path.
func (b *baseStore) GetNounMetadata(ctx context.Context, id string) (*NounMetadata, error) {
	nounType, found, err := b.resolveNounType(ctx, id)
	if err != nil {
		return nil, err
	}
	var candidates []string
	if found {
		candidates = []string{nounType}
	} else {
		// The noun vector may be gone while metadata lingers; probe the
		// metadata section directly.
		candidates = NounTypes[:]
	}
	for _, t := range candidates {
		path, err := MetadataPath(KindNouns, t, id)
		if err != nil {
			return nil, err
		}
		var meta NounMetadata
		switch err := b.objects.ReadObjectFromPath(ctx, path, &meta); {
		case err == nil:
			b.cacheNounType(id, t)
			return &meta, nil
		case IsNotFound(err):
			continue
		case IsCorrupt(err):
			b.warnOnceFor(path, "corrupt noun metadata treated as missing", err)
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, nil
}

// DeleteNounMetadata removes a noun's metadata object, leaving the vector
// file in place.
func (b *baseStore) DeleteNounMetadata(ctx context.Context, id string) error {
	if err := b.checkWritable("deleteNounMetadata"); err != nil {
		return err
	}
	nounType, found, err := b.resolveNounType(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		if nounType, found = b.cachedNounType(id); !found {
			return nil
		}
	}
	path, err := MetadataPath(KindNouns, nounType, id)
	if err != nil {
		return err
	}
	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := b.objects.DeleteObjectFromPath(ctx, path); err != nil {
		return err
	}
	b.counts.IncMetadata(KindNouns, nounType, -1)
	b.changes.Append(ctx, OperationDelete, EntityTypeMetadata, id, nil)
	return nil
}

// SaveVerbMetadata persists a verb's metadata under the verb's type bucket.
func (b *baseStore) SaveVerbMetadata(ctx context.Context, id string, meta *VerbMetadata) error {
	if err := b.checkWritable("saveVerbMetadata"); err != nil {
		return err
	}
	if meta == nil {
		return newError(KindInvalidID, "saveVerbMetadata", id, fmt.Errorf("nil metadata"))
	}
	if meta.Verb == "" {
		if t, ok := b.cachedVerbType(id); ok {
			meta.Verb = t
		} else {
			meta.Verb = DefaultVerbType
		}
	}
	now := nowMillis()
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	path, err := MetadataPath(KindVerbs, meta.Verb, id)
	if err != nil {
		return err
	}
	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if err := b.objects.WriteObjectToPath(ctx, path, meta); err != nil {
		return err
	}
	b.cacheVerbType(id, meta.Verb)
	operation := OperationUpdate
	if !existed {
		operation = OperationAdd
		b.counts.IncMetadata(KindVerbs, meta.Verb, 1)
	}
	b.changes.Append(ctx, operation, EntityTypeMetadata, id, nil)
	return nil
}

// GetVerbMetadata reads a verb's metadata with the same availability bias
// as noun metadata.
func (b *baseStore) GetVerbMetadata(ctx context.Context, id string) (*VerbMetadata, error) {
	verbType, found, err := b.resolveVerbType(ctx, id)
	if err != nil {
		return nil, err
	}
	var candidates []string
	if found {
		candidates = []string{verbType}
	} else {
		candidates = VerbTypes[:]
	}
	for _, t := range candidates {
		path, err := MetadataPath(KindVerbs, t, id)
		if err != nil {
			return nil, err
		}
		var meta VerbMetadata
		switch err := b.objects.ReadObjectFromPath(ctx, path, &meta); {
		case err == nil:
			b.cacheVerbType(id, t)
			return &meta, nil
		case IsNotFound(err):
			continue
		case IsCorrupt(err):
			b.warnOnceFor(path, "corrupt verb metadata treated as missing", err)
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, nil
}

// DeleteVerbMetadata removes a verb's metadata object.
func (b *baseStore) DeleteVerbMetadata(ctx context.Context, id string) error {
	if err := b.checkWritable("deleteVerbMetadata"); err != nil {
		return err
	}
	verbType, found, err := b.resolveVerbType(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		if verbType, found = b.cachedVerbType(id); !found {
			return nil
		}
	}
	path, err := MetadataPath(KindVerbs, verbType, id)
	if err != nil {
		return err
	}
	existed, err := b.objectExists(ctx, path)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := b.objects.DeleteObjectFromPath(ctx, path); err != nil {
		return err
	}
	b.counts.IncMetadata(KindVerbs, verbType, -1)
	b.changes.Append(ctx, OperationDelete, EntityTypeMetadata, id, nil)
	return nil
}

// GetNounMetadataBatch reads metadata for many ids, chunked by the socket
// manager's current batch size. Corrupt entries are skipped with their
// one-time warning and absent ids are simply omitted, so the result maps
// only ids with readable metadata.
func (b *baseStore) GetNounMetadataBatch(ctx context.Context, ids []string) (map[string]*NounMetadata, error) {
	out := make(map[string]*NounMetadata, len(ids))
	chunk := b.batchSize()
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if err := ctx.Err(); err != nil {
				return out, newError(KindTimeout, "getNounMetadataBatch", "", err)
			}
			meta, err := b.GetNounMetadata(ctx, id)
			if err != nil {
				return nil, err
			}
			if meta != nil {
				out[id] = meta
			}
		}
	}
	return out, nil
}

// GetVerbMetadataBatch mirrors GetNounMetadataBatch for verbs.
func (b *baseStore) GetVerbMetadataBatch(ctx context.Context, ids []string) (map[string]*VerbMetadata, error) {
	out := make(map[string]*VerbMetadata, len(ids))
	chunk := b.batchSize()
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if err := ctx.Err(); err != nil {
				return out, newError(KindTimeout, "getVerbMetadataBatch", "", err)
			}
			meta, err := b.GetVerbMetadata(ctx, id)
			if err != nil {
				return nil, err
			}
			if meta != nil {
				out[id] = meta
			}
		}
	}
	return out, nil
}

// --- typed listings ---

// GetNounsByType returns every noun stored under one type bucket.
func (b *baseStore) GetNounsByType(ctx context.Context, nounType string) ([]*Noun, error) {
	paths, err := b.objects.ListObjectsUnderPath(ctx, TypePrefix(KindNouns, nounType, SectionVectors))
	if err != nil {
		return nil, err
	}
	nouns := make([]*Noun, 0, len(paths))
	for _, path := range paths {
		var noun Noun
		if err := b.objects.ReadObjectFromPath(ctx, path, &noun); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		b.cacheNounType(noun.ID, nounType)
		nouns = append(nouns, &noun)
	}
	return nouns, nil
}

// GetVerbsByType returns every verb stored under one type bucket.
func (b *baseStore) GetVerbsByType(ctx context.Context, verbType string) ([]*Verb, error) {
	paths, err := b.objects.ListObjectsUnderPath(ctx, TypePrefix(KindVerbs, verbType, SectionVectors))
	if err != nil {
		return nil, err
	}
	verbs := make([]*Verb, 0, len(paths))
	for _, path := range paths {
		var verb Verb
		if err := b.objects.ReadObjectFromPath(ctx, path, &verb); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		b.cacheVerbType(verb.ID, verb.Verb)
		verbs = append(verbs, &verb)
	}
	return verbs, nil
}

// GetVerbsBySource returns every verb whose SourceID matches. The scan
// covers all type buckets; the type-aware router narrows it when the
// caller knows the type.
func (b *baseStore) GetVerbsBySource(ctx context.Context, sourceID string) ([]*Verb, error) {
	return b.scanVerbs(ctx, func(v *Verb) bool { return v.SourceID == sourceID })
}

// GetVerbsByTarget returns every verb whose TargetID matches.
func (b *baseStore) GetVerbsByTarget(ctx context.Context, targetID string) ([]*Verb, error) {
	return b.scanVerbs(ctx, func(v *Verb) bool { return v.TargetID == targetID })
}

func (b *baseStore) scanVerbs(ctx context.Context, keep func(*Verb) bool) ([]*Verb, error) {
	var verbs []*Verb
	for _, t := range VerbTypes {
		if err := ctx.Err(); err != nil {
			return verbs, newError(KindTimeout, "scanVerbs", "", err)
		}
		paths, err := b.objects.ListObjectsUnderPath(ctx, TypePrefix(KindVerbs, t, SectionVectors))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			var verb Verb
			if err := b.objects.ReadObjectFromPath(ctx, path, &verb); err != nil {
				if IsNotFound(err) {
					continue
				}
				return nil, err
			}
			if keep(&verb) {
				verbs = append(verbs, &verb)
			}
		}
	}
	return verbs, nil
}

// --- pagination ---

// GetNounsWithPagination returns one page of nouns ordered by logical
// path. The cursor is a numeric offset into the stable listing; the
// object-store adapter overrides this with native continuation tokens.
func (b *baseStore) GetNounsWithPagination(ctx context.Context, opts PaginationOptions) (*NounPage, error) {
	paths, err := b.listVectorPaths(ctx, KindNouns, opts.EntityType)
	if err != nil {
		return nil, err
	}
	page, next, hasMore, err := slicePage(paths, opts)
	if err != nil {
		return nil, err
	}
	items := make([]*Noun, 0, len(page))
	for _, path := range page {
		if err := ctx.Err(); err != nil {
			// Cancellation drops the rest of the page; partial results
			// keep a valid continuation.
			return &NounPage{Items: items, HasMore: true, NextCursor: next}, nil
		}
		var noun Noun
		if err := b.objects.ReadObjectFromPath(ctx, path, &noun); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, &noun)
	}
	return &NounPage{Items: items, HasMore: hasMore && len(items) > 0, NextCursor: next}, nil
}

// GetVerbsWithPagination returns one page of verbs ordered by logical path.
func (b *baseStore) GetVerbsWithPagination(ctx context.Context, opts PaginationOptions) (*VerbPage, error) {
	paths, err := b.listVectorPaths(ctx, KindVerbs, opts.EntityType)
	if err != nil {
		return nil, err
	}
	page, next, hasMore, err := slicePage(paths, opts)
	if err != nil {
		return nil, err
	}
	items := make([]*Verb, 0, len(page))
	for _, path := range page {
		if err := ctx.Err(); err != nil {
			return &VerbPage{Items: items, HasMore: true, NextCursor: next}, nil
		}
		var verb Verb
		if err := b.objects.ReadObjectFromPath(ctx, path, &verb); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, &verb)
	}
	return &VerbPage{Items: items, HasMore: hasMore && len(items) > 0, NextCursor: next}, nil
}

// listVectorPaths collects the vector-file paths of one kind, either for a
// single type bucket or across all of them, sorted for a stable cursor.
func (b *baseStore) listVectorPaths(ctx context.Context, kind EntityKind, entityType string) ([]string, error) {
	if entityType != "" {
		return b.objects.ListObjectsUnderPath(ctx, TypePrefix(kind, entityType, SectionVectors))
	}
	var tags []string
	if kind == KindNouns {
		tags = NounTypes[:]
	} else {
		tags = VerbTypes[:]
	}
	var all []string
	for _, t := range tags {
		paths, err := b.objects.ListObjectsUnderPath(ctx, TypePrefix(kind, t, SectionVectors))
		if err != nil {
			return nil, err
		}
		all = append(all, paths...)
	}
	return all, nil
}

// slicePage applies the offset-cursor pagination contract to a stable
// sorted listing.
func slicePage(paths []string, opts PaginationOptions) (page []string, nextCursor string, hasMore bool, err error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMinBatchSize
	}
	offset := 0
	if opts.Cursor != "" {
		offset, err = strconv.Atoi(opts.Cursor)
		if err != nil || offset < 0 {
			return nil, "", false, newError(KindInvalidID, "paginate", opts.Cursor,
				fmt.Errorf("malformed cursor %q", opts.Cursor))
		}
	}
	if offset >= len(paths) {
		return nil, "", false, nil
	}
	end := offset + limit
	if end > len(paths) {
		end = len(paths)
	}
	hasMore = end < len(paths)
	if hasMore {
		nextCursor = strconv.Itoa(end)
	}
	return paths[offset:end], nextCursor, hasMore, nil
}

// --- HNSW ---

// SaveHNSWData folds new graph state into a noun's vector file under the
// per-id mutex: read, merge levels and neighbor lists, write. Concurrent
// neighbor additions compose instead of overwriting each other; removals
// go through SaveNoun, which replaces the record wholesale.
func (b *baseStore) SaveHNSWData(ctx context.Context, id string, data *HNSWData) error {
	if err := b.checkWritable("saveHNSWData"); err != nil {
		return err
	}
	if data == nil {
		return newError(KindInvalidID, "saveHNSWData", id, fmt.Errorf("nil HNSW data"))
	}
	b.hnswLocks.Lock(id)
	defer b.hnswLocks.Unlock(id)

	nounType, found, err := b.resolveNounType(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return newError(KindNotFound, "saveHNSWData", id, fmt.Errorf("noun %s does not exist", id))
	}
	path, err := VectorPath(KindNouns, nounType, id)
	if err != nil {
		return err
	}
	var noun Noun
	if err := b.objects.ReadObjectFromPath(ctx, path, &noun); err != nil {
		return err
	}
	merged := mergeHNSW(&HNSWData{Level: noun.Level, Connections: noun.Connections}, data)
	noun.Level = merged.Level
	noun.Connections = merged.Connections
	return b.objects.WriteObjectToPath(ctx, path, &noun)
}

// GetHNSWData reads a noun's graph record out of its vector file.
func (b *baseStore) GetHNSWData(ctx context.Context, id string) (*HNSWData, error) {
	noun, err := b.GetNoun(ctx, id)
	if err != nil || noun == nil {
		return nil, err
	}
	return &HNSWData{Level: noun.Level, Connections: CloneConnections(noun.Connections)}, nil
}

// SaveHNSWSystem replaces the index-wide entry point record under its own
// mutex.
func (b *baseStore) SaveHNSWSystem(ctx context.Context, system *HNSWSystem) error {
	if err := b.checkWritable("saveHNSWSystem"); err != nil {
		return err
	}
	if system == nil {
		return newError(KindInvalidID, "saveHNSWSystem", HNSWSystemPath, fmt.Errorf("nil system record"))
	}
	b.systemMu.Lock()
	defer b.systemMu.Unlock()
	return b.objects.WriteObjectToPath(ctx, HNSWSystemPath, system)
}

// GetHNSWSystem reads the index-wide entry point record. An absent record
// means an empty index.
func (b *baseStore) GetHNSWSystem(ctx context.Context) (*HNSWSystem, error) {
	b.systemMu.Lock()
	defer b.systemMu.Unlock()
	var system HNSWSystem
	if err := b.objects.ReadObjectFromPath(ctx, HNSWSystemPath, &system); err != nil {
		if IsNotFound(err) {
			return &HNSWSystem{}, nil
		}
		return nil, err
	}
	return &system, nil
}

// --- statistics ---

// GetStatisticsData materializes the in-memory registry. In-memory counts
// may lead the persisted snapshot by at most one flush interval.
func (b *baseStore) GetStatisticsData(ctx context.Context) (*Statistics, error) {
	return b.counts.Snapshot(), nil
}

// SaveStatisticsData persists a statistics snapshot to the counts snapshot
// path. The object-store adapter overrides this with the daily-object
// merge.
func (b *baseStore) SaveStatisticsData(ctx context.Context, stats *Statistics) error {
	if err := b.checkWritable("saveStatisticsData"); err != nil {
		return err
	}
	if stats == nil {
		stats = b.counts.Snapshot()
	}
	return b.objects.WriteObjectToPath(ctx, CountsSnapshotPath, stats)
}

// GetChangesSince returns mutation events at or after the given timestamp.
func (b *baseStore) GetChangesSince(ctx context.Context, since int64, max int) ([]ChangeLogEntry, error) {
	return b.changes.ChangesSince(ctx, since, max)
}

// --- lifecycle ---

// Clear removes every object the adapter owns, resets the counters and
// writes the cow-disabled marker so later instances do not re-bootstrap
// COW silently.
func (b *baseStore) Clear(ctx context.Context) error {
	if err := b.checkWritable("clear"); err != nil {
		return err
	}
	prefixes := []string{
		EntitiesPrefix + "/",
		BranchesPrefix + "/",
		SystemPrefix + "/",
		IndexesPrefix + "/",
		CowPrefix + "/",
		ChangeLogPrefix + "/",
	}
	for _, prefix := range prefixes {
		paths, err := b.objects.ListObjectsUnderPath(ctx, prefix)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if err := b.objects.DeleteObjectFromPath(ctx, path); err != nil {
				return err
			}
		}
	}
	b.counts.Reset()
	b.ClearTypeCache()
	if err := b.objects.WriteObjectToPath(ctx, CowDisabledMarkerPath, struct{}{}); err != nil {
		return err
	}
	b.log.Info("storage cleared, copy-on-write disabled")
	return nil
}

// CowEnabled reports whether the cow-disabled marker is absent.
func (b *baseStore) CowEnabled(ctx context.Context) bool {
	var marker struct{}
	err := b.objects.ReadObjectFromPath(ctx, CowDisabledMarkerPath, &marker)
	return IsNotFound(err)
}

// GetStorageStatus reports adapter identity and aggregate counters.
func (b *baseStore) GetStorageStatus(ctx context.Context) (*StorageStatus, error) {
	stats := b.counts.Snapshot()
	return &StorageStatus{
		Type:          b.kindName,
		Ready:         true,
		ReadOnly:      b.readOnly,
		TotalNodes:    stats.TotalNodes,
		TotalEdges:    stats.TotalEdges,
		TotalMetadata: stats.TotalMetadata,
		CowEnabled:    b.CowEnabled(ctx),
		UptimeMillis:  nowMillis() - b.startedAt,
	}, nil
}

// objectExists probes for a logical path without decoding its body.
func (b *baseStore) objectExists(ctx context.Context, path string) (bool, error) {
	var raw struct{}
	err := b.objects.ReadObjectFromPath(ctx, path, &raw)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	case IsCorrupt(err):
		// A corrupt body still occupies the path.
		return true, nil
	default:
		return false, err
	}
}

// bootstrapCounts loads the registry from a persisted snapshot, or when no
// snapshot exists (or it is corrupt) recomputes exact counts by listing
// every type bucket in full. No sampling or extrapolation takes place.
func (b *baseStore) bootstrapCounts(ctx context.Context) error {
	var stats Statistics
	err := b.objects.ReadObjectFromPath(ctx, CountsSnapshotPath, &stats)
	switch {
	case err == nil:
		b.counts.LoadFrom(&stats)
		return nil
	case IsNotFound(err) || IsCorrupt(err):
		// fall through to the sampled scan
	default:
		return err
	}

	sampled := NewStatistics()
	for _, t := range NounTypes {
		n, err := b.sampleCount(ctx, TypePrefix(KindNouns, t, SectionVectors))
		if err != nil {
			return err
		}
		if n > 0 {
			sampled.NounCount[t] = n
		}
		m, err := b.sampleCount(ctx, TypePrefix(KindNouns, t, SectionMetadata))
		if err != nil {
			return err
		}
		if m > 0 {
			sampled.MetadataCount[t] = m
		}
	}
	for _, t := range VerbTypes {
		n, err := b.sampleCount(ctx, TypePrefix(KindVerbs, t, SectionVectors))
		if err != nil {
			return err
		}
		if n > 0 {
			sampled.VerbCount[t] = n
		}
	}
	sampled.RecomputeTotals()
	b.counts.LoadFrom(sampled)
	return nil
}

// sampleCount counts entries under a prefix: the exact length of the full
// listing. countsSampleLimit is not applied.
func (b *baseStore) sampleCount(ctx context.Context, prefix string) (int64, error) {
	paths, err := b.objects.ListObjectsUnderPath(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(paths)), nil
}

// normalizeListing applies the shared sorted-logical-path contract to raw
// physical listings.
func normalizeListing(physical []string) []string {
	return DedupLogicalPaths(physical)
}
