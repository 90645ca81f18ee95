package smmuv3

import (
	"container/list"
	"sync"
)

// tlbKey identifies one cached translation. Security state is part of
// the key so contexts in different security domains never alias.
type tlbKey struct {
	sid  StreamID
	pasid PASID
	iova IOVA
	sec  SecurityState
}

// TLBCache is a bounded LRU store of translations keyed by
// (StreamID, PASID, page-aligned IOVA, SecurityState). Entries older
// than maxAge behave as misses and are dropped on discovery.
type TLBCache struct {
	mu sync.Mutex

	entries map[tlbKey]*list.Element
	order   *list.List // front = most recently used
	maxSize int

	// maxAge is the freshness bound in microseconds; 0 disables aging.
	maxAge uint64

	now func() uint64

	hits      uint64
	misses    uint64
	lookups   uint64
	evictions uint64
}

// tlbNode is the list payload: the entry plus its key for O(1) removal.
type tlbNode struct {
	key   tlbKey
	entry TLBEntry
}

// NewTLBCache creates a cache bounded to maxSize entries with the
// given freshness bound in microseconds. The clock yields microseconds
// on a monotonic timeline.
func NewTLBCache(maxSize int, maxAgeMicros uint64, clock func() uint64) *TLBCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &TLBCache{
		entries: make(map[tlbKey]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAgeMicros,
		now:     clock,
	}
}

// Lookup returns the cached entry for the key, or false on a miss.
// Stale entries are invalidated and reported as misses. Hit, miss, and
// lookup counters are updated.
func (c *TLBCache) Lookup(sid StreamID, pasid PASID, iovaPage IOVA, sec SecurityState) (TLBEntry, bool) {
	key := tlbKey{sid: sid, pasid: pasid, iova: iovaPage &^ PageMask, sec: sec}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookups++
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return TLBEntry{}, false
	}

	node := elem.Value.(*tlbNode)
	if !node.entry.Valid || c.expired(node.entry.Timestamp) {
		c.removeLocked(elem)
		c.misses++
		return TLBEntry{}, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return node.entry, true
}

// Insert places an entry, evicting the least recently used entry when
// the cache is full. Inserting over an existing key refreshes that
// entry in place instead of evicting.
func (c *TLBCache) Insert(entry TLBEntry) {
	key := tlbKey{
		sid:  entry.StreamID,
		pasid: entry.PASID,
		iova: entry.IOVA &^ PageMask,
		sec:  entry.SecurityState,
	}
	entry.IOVA = key.iova
	entry.PhysicalAddress &^= PageMask

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		node := elem.Value.(*tlbNode)
		node.entry = entry
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	elem := c.order.PushFront(&tlbNode{key: key, entry: entry})
	c.entries[key] = elem
}

// Invalidate removes the entry for the key regardless of its security
// state.
func (c *TLBCache) Invalidate(sid StreamID, pasid PASID, iovaPage IOVA) {
	c.mu.Lock()
	defer c.mu.Unlock()

	iova := iovaPage &^ PageMask
	for _, sec := range []SecurityState{NonSecure, Secure, Realm} {
		if elem, ok := c.entries[tlbKey{sid: sid, pasid: pasid, iova: iova, sec: sec}]; ok {
			c.removeLocked(elem)
		}
	}
}

// InvalidateState removes the entry for the key in one security state.
func (c *TLBCache) InvalidateState(sid StreamID, pasid PASID, iovaPage IOVA, sec SecurityState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[tlbKey{sid: sid, pasid: pasid, iova: iovaPage &^ PageMask, sec: sec}]; ok {
		c.removeLocked(elem)
	}
}

// InvalidateStream removes every entry belonging to a stream.
func (c *TLBCache) InvalidateStream(sid StreamID) {
	c.invalidateMatching(func(k tlbKey) bool { return k.sid == sid })
}

// InvalidatePASID removes every entry belonging to one PASID of a
// stream.
func (c *TLBCache) InvalidatePASID(sid StreamID, pasid PASID) {
	c.invalidateMatching(func(k tlbKey) bool { return k.sid == sid && k.pasid == pasid })
}

// InvalidateAll removes every entry.
func (c *TLBCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[tlbKey]*list.Element)
	c.order.Init()
}

func (c *TLBCache) invalidateMatching(match func(tlbKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*list.Element
	for key, elem := range c.entries {
		if match(key) {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		c.removeLocked(elem)
	}
}

// Resize changes the capacity, trimming least recently used entries as
// needed.
func (c *TLBCache) Resize(maxSize int) {
	if maxSize < 1 {
		maxSize = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxSize = maxSize
	for len(c.entries) > c.maxSize {
		c.evictLocked()
	}
}

// SetMaxAge changes the freshness bound in microseconds; 0 disables
// aging.
func (c *TLBCache) SetMaxAge(maxAgeMicros uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAge = maxAgeMicros
}

// Size returns the current entry count.
func (c *TLBCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured maximum entry count.
func (c *TLBCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Statistics returns a snapshot of the cache counters.
func (c *TLBCache) Statistics() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStatistics{
		Hits:         c.hits,
		Misses:       c.misses,
		TotalLookups: c.lookups,
		CurrentSize:  len(c.entries),
		MaxSize:      c.maxSize,
		Evictions:    c.evictions,
	}
}

// ResetStatistics zeroes the counters without touching the entries.
func (c *TLBCache) ResetStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
	c.lookups = 0
	c.evictions = 0
}

// Reset drops every entry and zeroes the counters.
func (c *TLBCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[tlbKey]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
	c.lookups = 0
	c.evictions = 0
}

func (c *TLBCache) expired(timestamp uint64) bool {
	if c.maxAge == 0 || c.now == nil {
		return false
	}
	return c.now()-timestamp > c.maxAge
}

func (c *TLBCache) evictLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *TLBCache) removeLocked(elem *list.Element) {
	node := elem.Value.(*tlbNode)
	delete(c.entries, node.key)
	c.order.Remove(elem)
}
