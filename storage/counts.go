package storage

import (
	"sync"
	"time"
)

// Flush policy bounds for the count registry.
const (
	// countsFlushMinInterval is the shortest gap between two flushes.
	countsFlushMinInterval = 5 * time.Second
	// countsFlushMaxDelay is the longest a dirty registry may stay
	// unpersisted after the first dirty mark.
	countsFlushMaxDelay = 30 * time.Second
	// countsSampleLimit is a per-kind sample size for bootstrapping counts
	// without a snapshot. bootstrapCounts does not apply it: it counts each
	// bucket's full listing.
	countsSampleLimit = 100
)

// CountRegistry keeps O(1) in-memory entity counters. The closed noun and
// verb tag sets live in fixed-size integer arrays indexed by tag position;
// tags outside the closed sets spill into overflow maps. Increments and
// decrements happen under one mutex together with the event that caused
// them, and a debounced flush persists a snapshot through the owning
// adapter.
type CountRegistry struct {
	mu sync.Mutex

	nouns        [NounTypeCount]int64
	verbs        [VerbTypeCount]int64
	nounMeta     [NounTypeCount]int64
	verbMeta     [VerbTypeCount]int64
	nounOverflow map[string]int64
	verbOverflow map[string]int64
	metaOverflow map[string]int64

	hnswIndexSize int64

	dirty      bool
	firstDirty time.Time
	lastFlush  time.Time
}

// NewCountRegistry returns an empty registry.
func NewCountRegistry() *CountRegistry {
	return &CountRegistry{
		nounOverflow: make(map[string]int64),
		verbOverflow: make(map[string]int64),
		metaOverflow: make(map[string]int64),
	}
}

// IncNoun adds delta to the counter for a noun tag.
func (r *CountRegistry) IncNoun(tag string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := NounTypeIndex(tag); i >= 0 {
		r.nouns[i] += delta
		if r.nouns[i] < 0 {
			r.nouns[i] = 0
		}
	} else {
		r.bump(r.nounOverflow, tag, delta)
	}
	r.markDirtyLocked()
}

// IncVerb adds delta to the counter for a verb tag.
func (r *CountRegistry) IncVerb(tag string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := VerbTypeIndex(tag); i >= 0 {
		r.verbs[i] += delta
		if r.verbs[i] < 0 {
			r.verbs[i] = 0
		}
	} else {
		r.bump(r.verbOverflow, tag, delta)
	}
	r.markDirtyLocked()
}

// IncMetadata adds delta to the metadata counter for a tag of the given
// entity kind.
func (r *CountRegistry) IncMetadata(kind EntityKind, tag string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case KindNouns:
		if i := NounTypeIndex(tag); i >= 0 {
			r.nounMeta[i] += delta
			if r.nounMeta[i] < 0 {
				r.nounMeta[i] = 0
			}
			break
		}
		r.bump(r.metaOverflow, tag, delta)
	case KindVerbs:
		if i := VerbTypeIndex(tag); i >= 0 {
			r.verbMeta[i] += delta
			if r.verbMeta[i] < 0 {
				r.verbMeta[i] = 0
			}
			break
		}
		r.bump(r.metaOverflow, tag, delta)
	}
	r.markDirtyLocked()
}

// SetHNSWIndexSize records the current index size.
func (r *CountRegistry) SetHNSWIndexSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hnswIndexSize = size
	r.markDirtyLocked()
}

func (r *CountRegistry) bump(m map[string]int64, tag string, delta int64) {
	m[tag] += delta
	if m[tag] <= 0 {
		delete(m, tag)
	}
}

func (r *CountRegistry) markDirtyLocked() {
	if !r.dirty {
		r.dirty = true
		r.firstDirty = time.Now()
	}
}

// NounCount returns the current counter for a noun tag.
func (r *CountRegistry) NounCount(tag string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := NounTypeIndex(tag); i >= 0 {
		return r.nouns[i]
	}
	return r.nounOverflow[tag]
}

// VerbCount returns the current counter for a verb tag.
func (r *CountRegistry) VerbCount(tag string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := VerbTypeIndex(tag); i >= 0 {
		return r.verbs[i]
	}
	return r.verbOverflow[tag]
}

// Snapshot materializes the registry as a Statistics record with totals
// recomputed and LastUpdated set to now.
func (r *CountRegistry) Snapshot() *Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := NewStatistics()
	for i, tag := range NounTypes {
		if r.nouns[i] != 0 {
			stats.NounCount[tag] = r.nouns[i]
		}
		if r.nounMeta[i] != 0 {
			stats.MetadataCount[tag] = r.nounMeta[i]
		}
	}
	for i, tag := range VerbTypes {
		if r.verbs[i] != 0 {
			stats.VerbCount[tag] = r.verbs[i]
		}
		if r.verbMeta[i] != 0 {
			stats.MetadataCount[tag] += r.verbMeta[i]
		}
	}
	for tag, n := range r.nounOverflow {
		stats.NounCount[tag] = n
	}
	for tag, n := range r.verbOverflow {
		stats.VerbCount[tag] = n
	}
	for tag, n := range r.metaOverflow {
		stats.MetadataCount[tag] += n
	}
	stats.HNSWIndexSize = r.hnswIndexSize
	stats.LastUpdated = nowMillis()
	stats.RecomputeTotals()
	return stats
}

// LoadFrom replaces the registry contents with a persisted snapshot. The
// registry comes back clean: loading is not a mutation.
func (r *CountRegistry) LoadFrom(stats *Statistics) {
	if stats == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nouns = [NounTypeCount]int64{}
	r.verbs = [VerbTypeCount]int64{}
	r.nounMeta = [NounTypeCount]int64{}
	r.verbMeta = [VerbTypeCount]int64{}
	r.nounOverflow = make(map[string]int64)
	r.verbOverflow = make(map[string]int64)
	r.metaOverflow = make(map[string]int64)
	for tag, n := range stats.NounCount {
		if i := NounTypeIndex(tag); i >= 0 {
			r.nouns[i] = n
		} else if n > 0 {
			r.nounOverflow[tag] = n
		}
	}
	for tag, n := range stats.VerbCount {
		if i := VerbTypeIndex(tag); i >= 0 {
			r.verbs[i] = n
		} else if n > 0 {
			r.verbOverflow[tag] = n
		}
	}
	for tag, n := range stats.MetadataCount {
		if i := NounTypeIndex(tag); i >= 0 {
			r.nounMeta[i] = n
		} else if n > 0 {
			r.metaOverflow[tag] = n
		}
	}
	r.hnswIndexSize = stats.HNSWIndexSize
	r.dirty = false
}

// Reset zeroes every counter, leaving the registry dirty so the next flush
// persists the cleared state.
func (r *CountRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nouns = [NounTypeCount]int64{}
	r.verbs = [VerbTypeCount]int64{}
	r.nounMeta = [NounTypeCount]int64{}
	r.verbMeta = [VerbTypeCount]int64{}
	r.nounOverflow = make(map[string]int64)
	r.verbOverflow = make(map[string]int64)
	r.metaOverflow = make(map[string]int64)
	r.hnswIndexSize = 0
	r.markDirtyLocked()
}

// Dirty reports whether unpersisted increments exist.
func (r *CountRegistry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// ShouldFlush applies the debounce policy: no sooner than the minimum
// interval since the last flush, no later than the maximum delay after the
// first dirty mark. Force bypasses the debounce (shutdown flush) but still
// requires the registry to be dirty.
func (r *CountRegistry) ShouldFlush(now time.Time, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return false
	}
	if force {
		return true
	}
	if now.Sub(r.lastFlush) < countsFlushMinInterval {
		return false
	}
	// Debounce until the minimum interval has passed since the first dirty
	// mark, but never hold a dirty registry past the maximum delay.
	if now.Sub(r.firstDirty) >= countsFlushMaxDelay {
		return true
	}
	return now.Sub(r.firstDirty) >= countsFlushMinInterval
}

// FlushDone marks a successful flush; FlushFailed keeps the dirty flag so
// the next cycle retries without losing increments.
func (r *CountRegistry) FlushDone(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
	r.lastFlush = now
}

// FlushFailed records a flush attempt that did not persist. The dirty flag
// is preserved; only the attempt time moves so the debounce keeps pacing.
func (r *CountRegistry) FlushFailed(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFlush = now
}
