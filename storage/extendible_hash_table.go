package storage

import (
	"encoding/binary"
	"sync"

	"github.com/spaolacci/murmur3"
)

// HashFunc produces a stable 64-bit digest for a key. Equal keys must
// always hash identically.
type HashFunc[K comparable] func(K) uint64

// ExtendibleHashTable is the mechanism a buffer pool uses to translate page
// identifiers into frame handles: a concurrent, directory-based hash index
// that grows by doubling its directory and splitting the bucket that
// overflowed, never by rehashing the whole table.
//
// The directory is an ordered slice of bucket pointers of length
// 2^globalDepth; several slots may point at the same bucket. Every public
// method takes the table's single mutex for its whole duration, so all
// operations linearize against each other.
type ExtendibleHashTable[K comparable, V any] struct {
	mu             sync.Mutex
	globalDepth    int
	bucketCapacity int
	numBuckets     int
	dir            []*bucket[K, V]
	hashFn         HashFunc[K]
}

// New creates an extendible hash table with one bucket at global depth 0.
// bucketCapacity must be at least 1. hashFn must hash equal keys
// identically; it is called with the table's lock held.
func New[K comparable, V any](bucketCapacity int, hashFn HashFunc[K]) *ExtendibleHashTable[K, V] {
	if bucketCapacity < 1 {
		bucketCapacity = 1
	}
	return &ExtendibleHashTable[K, V]{
		globalDepth:    0,
		bucketCapacity: bucketCapacity,
		numBuckets:     1,
		dir:            []*bucket[K, V]{newBucket[K, V](bucketCapacity, 0)},
		hashFn:         hashFn,
	}
}

// indexOf returns the directory slot a key hashes to at the current global
// depth. Caller must hold mu.
func (t *ExtendibleHashTable[K, V]) indexOf(key K) uint64 {
	mask := uint64(1)<<uint(t.globalDepth) - 1
	return t.hashFn(key) & mask
}

// Find returns the value bound to key, if any.
func (t *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].find(key)
}

// Remove unbinds key, reporting whether it was present. There is no merge
// step: a bucket left empty by a removal stays in the directory at its
// current depth.
func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].remove(key)
}

// Insert binds key to value, overwriting any existing binding. It never
// fails: a full target bucket triggers one directory-doubling/bucket-split
// step and the lookup is retried, looping until the insert lands.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := t.indexOf(key)
		if t.dir[idx].insert(key, value) {
			return
		}
		t.splitStep(idx)
	}
}

// splitStep performs exactly one directory-doubling (if needed) and bucket
// split for the full bucket currently at dir[idx]. Caller must hold mu.
func (t *ExtendibleHashTable[K, V]) splitStep(idx uint64) {
	target := t.dir[idx]

	if target.localDepth == t.globalDepth {
		t.dir = append(t.dir, t.dir...)
		t.globalDepth++
	}

	target.localDepth++
	m := uint64(1)<<uint(target.localDepth) - 1
	origin := idx & m
	image := origin ^ (uint64(1) << uint(target.localDepth-1))

	sibling := newBucket[K, V](t.bucketCapacity, target.localDepth)
	t.numBuckets++

	// Snapshot entries before redistributing: the source bucket must not be
	// mutated while it is being iterated.
	moving := target.entries
	target.entries = make([]bucketEntry[K, V], 0, t.bucketCapacity)
	for _, e := range moving {
		if (t.hashFn(e.key) & m) == image {
			sibling.entries = append(sibling.entries, e)
		} else {
			target.entries = append(target.entries, e)
		}
	}

	for s := uint64(0); s < uint64(len(t.dir)); s++ {
		switch s & m {
		case origin:
			t.dir[s] = target
		case image:
			t.dir[s] = sibling
		}
	}
}

// GlobalDepth returns the number of low-order hash bits used to index the
// directory.
func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket referenced by the given
// directory slot.
func (t *ExtendibleHashTable[K, V]) LocalDepth(slot int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[slot].localDepth
}

// NumBuckets returns the number of distinct bucket instances currently
// referenced by the directory.
func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBuckets
}

// ForEach visits every live entry in an unspecified order, stopping early
// if fn returns false. It exists for callers (such as the buffer pool) that
// need to locate an entry by value without the table exposing its
// directory or bucket representation.
func (t *ExtendibleHashTable[K, V]) ForEach(fn func(key K, value V) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*bucket[K, V]]bool, t.numBuckets)
	for _, b := range t.dir {
		if seen[b] {
			continue
		}
		seen[b] = true
		for _, e := range b.entries {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

// Uint32Hash hashes a uint32 key with murmur3, for keys such as page
// identifiers that carry little entropy on their own.
func Uint32Hash(v uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return murmur3.Sum64(buf[:])
}

// StringHash hashes a string key with murmur3.
func StringHash(s string) uint64 {
	return murmur3.Sum64([]byte(s))
}
