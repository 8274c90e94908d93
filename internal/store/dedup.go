package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupStore remembers which metadata IDs have already been synced so the
// hot path can skip database existence checks. The Bloom filter answers the
// common "never seen" case without touching the map; the LRU bounds memory
// by evicting the oldest IDs first. An evicted or false-positive-free miss
// just costs one extra database lookup.
type DedupStore struct {
	ids               map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.RWMutex
	maxIDs            int
	falsePositiveRate float64
}

// NewDedupStore creates a dedup store holding at most maxIDs entries.
func NewDedupStore(maxIDs int, falsePositiveRate float64) *DedupStore {
	lruCache, _ := lru.New[string, struct{}](maxIDs)

	if maxIDs < 0 || maxIDs > int(^uint(0)>>1) {
		panic("maxIDs value out of range for uint conversion")
	}
	bloomFilter := bloom.NewWithEstimates(uint(maxIDs), falsePositiveRate)

	return &DedupStore{
		ids:               make(map[string]struct{}),
		bloom:             bloomFilter,
		lru:               lruCache,
		maxIDs:            maxIDs,
		falsePositiveRate: falsePositiveRate,
	}
}

// Has reports whether id has been marked as synced.
func (ds *DedupStore) Has(id string) bool {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	if !ds.bloom.TestString(id) {
		return false
	}

	_, exists := ds.ids[id]
	return exists
}

// Add marks id as synced.
func (ds *DedupStore) Add(id string) {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if _, exists := ds.ids[id]; exists {
		return
	}

	ds.ids[id] = struct{}{}
	ds.bloom.AddString(id)
	ds.lru.Add(id, struct{}{})

	if len(ds.ids) > ds.maxIDs {
		ds.evictOldest()
	}
}

// Size returns the number of IDs currently tracked.
func (ds *DedupStore) Size() int {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()
	return len(ds.ids)
}

// Clear drops all tracked IDs.
func (ds *DedupStore) Clear() {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	ds.ids = make(map[string]struct{})
	ds.bloom = bloom.NewWithEstimates(uint(ds.maxIDs), ds.falsePositiveRate)
	ds.lru.Purge()
}

func (ds *DedupStore) evictOldest() {
	oldestKey, _, ok := ds.lru.GetOldest()
	if !ok {
		return
	}

	delete(ds.ids, oldestKey)
	ds.lru.Remove(oldestKey)
}
