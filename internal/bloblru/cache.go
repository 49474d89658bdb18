// Package bloblru implements a size-bounded LRU cache for blob contents.
package bloblru

import (
	"fmt"
	"math"
	"sync"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Crude estimate of the overhead per blob: a SHA-256, a linked list node
// and some map bookkeeping.
const overhead = len(strata.ID{}) + 64

// Cache is a blob cache that keeps blobs in memory for reuse, for example
// while restoring files that share content.
type Cache struct {
	mu sync.Mutex
	c  *simplelru.LRU[strata.ID, []byte]

	free, size int // Current and max capacity, in bytes.
	inProgress map[strata.ID]chan struct{}
}

// New constructs a blob cache that stores at most size bytes worth of blobs.
func New(size int) *Cache {
	c := &Cache{
		free:       size,
		size:       size,
		inProgress: make(map[strata.ID]chan struct{}),
	}

	// NewLRU wants us to specify some max. number of entries, else it errors.
	// The actual maximum will be smaller than size/overhead, because we
	// evict entries (RemoveOldest in Add) to maintain our size bound.
	maxEntries := math.MaxInt
	lru, err := simplelru.NewLRU[strata.ID, []byte](maxEntries, c.evict)
	if err != nil {
		panic(err) // Can only be maxEntries <= 0.
	}
	c.c = lru

	return c
}

// Add adds key id with value blob to c.
// It may return an evicted buffer for reuse.
func (c *Cache) Add(id strata.ID, blob []byte) (old []byte) {
	debug.Log("bloblru.Cache: add %v", id)

	size := len(blob) + overhead
	if size > c.size {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var key strata.ID

	for size > c.free {
		key, old, _ = c.c.RemoveOldest()
	}

	c.c.Add(id, blob)
	c.free -= size

	if key == id {
		// Avoid handing out a buffer that is still cached under the same key.
		old = nil
	}
	return old
}

// Get returns the blob with the given id, if cached.
func (c *Cache) Get(id strata.ID) ([]byte, bool) {
	c.mu.Lock()
	blob, ok := c.c.Get(id)
	c.mu.Unlock()

	debug.Log("bloblru.Cache: get %v, hit %v", id, ok)

	return blob, ok
}

// GetOrCompute returns the blob for id, calling compute to load it if it is
// not cached yet. Only one goroutine computes a given blob at a time, all
// other callers for the same id wait for that computation to finish.
func (c *Cache) GetOrCompute(id strata.ID, compute func() ([]byte, error)) ([]byte, error) {
	// check if already cached
	blob, ok := c.Get(id)
	if ok {
		return blob, nil
	}

	// check for parallel download or start our own
	finish := make(chan struct{})
	c.mu.Lock()
	waitForResult, isComputing := c.inProgress[id]
	if !isComputing {
		c.inProgress[id] = finish
	}
	c.mu.Unlock()

	if isComputing {
		// wait for result of parallel computation
		<-waitForResult
	} else {
		// remove progress channel once finished here
		defer func() {
			c.mu.Lock()
			delete(c.inProgress, id)
			c.mu.Unlock()
			close(finish)
		}()
	}

	// try again. This is necessary independent of whether a parallel
	// computation existed, as the blob may already have been evicted again.
	blob, ok = c.Get(id)
	if ok {
		return blob, nil
	}

	blob, err := compute()
	if err == nil {
		c.Add(id, blob)
	}

	return blob, err
}

func (c *Cache) evict(key strata.ID, blob []byte) {
	debug.Log("bloblru.Cache: evict %v, %d bytes", key, len(blob))
	c.free += len(blob) + overhead
}

func (c *Cache) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("bloblru.Cache{%d/%d}", c.size-c.free, c.size)
}
