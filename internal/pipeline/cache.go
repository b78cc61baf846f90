package pipeline

import "sync"

// BoundedCache is an insertion-ordered dedup set with a size cap, for
// bookkeeping that must not grow without bound in a long-running polling
// process (seen marker comments, executed side-effect keys). When the cap is
// exceeded the oldest entries are evicted down to the retain ratio; entries
// marked in-flight survive eviction until cleared.
type BoundedCache[K comparable] struct {
	mu      sync.Mutex
	max     int
	retain  float64
	order   []K
	entries map[K]bool // value marks in-flight
}

// NewBoundedCache creates a cache capped at max entries that prunes down to
// max*retain. A non-positive max defaults to 1024, an out-of-range retain to
// 0.75.
func NewBoundedCache[K comparable](max int, retain float64) *BoundedCache[K] {
	if max <= 0 {
		max = 1024
	}
	if retain <= 0 || retain >= 1 {
		retain = 0.75
	}
	return &BoundedCache[K]{
		max:     max,
		retain:  retain,
		entries: make(map[K]bool),
	}
}

// Add inserts key and reports whether it was absent before, making it the
// one-shot dedup primitive: the first caller gets true, everyone after false.
func (c *BoundedCache[K]) Add(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = false
	c.order = append(c.order, key)
	if len(c.entries) > c.max {
		c.pruneLocked()
	}
	return true
}

// Contains reports whether key is present.
func (c *BoundedCache[K]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// MarkInFlight flags key as in-flight, inserting it if absent. In-flight
// entries are never evicted.
func (c *BoundedCache[K]) MarkInFlight(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = true
}

// ClearInFlight drops the in-flight flag, leaving the entry present.
func (c *BoundedCache[K]) ClearInFlight(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = false
	}
}

// Len returns the number of entries.
func (c *BoundedCache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Prune evicts oldest entries down to the retain ratio, skipping in-flight
// entries.
func (c *BoundedCache[K]) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
}

func (c *BoundedCache[K]) pruneLocked() {
	keep := int(float64(c.max) * c.retain)
	excess := len(c.entries) - keep
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, k := range c.order {
		if excess > 0 && !c.entries[k] {
			delete(c.entries, k)
			excess--
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}
