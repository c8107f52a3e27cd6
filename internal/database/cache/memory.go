package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// memoryTier is an in-process LRU bounded by entry count and approximate
// byte size. Writes never evict; a background sweep trims the tier back under
// its bounds and drops expired entries.
type memoryTier struct {
	// Map for O(1) lookups
	items map[string]*memoryItem

	// LRU list, most recently used at the front
	lruList *list.List

	maxEntries  int
	maxBytes    int64
	maxTTL      time.Duration
	currentSize int64

	mu sync.Mutex

	evictions atomic.Int64

	overLimit chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type memoryItem struct {
	key       string
	data      []byte
	size      int64
	expiresAt time.Time
	listElem  *list.Element
}

func newMemoryTier(maxEntries int, maxBytes int64, maxTTL, sweepInterval time.Duration) *memoryTier {
	t := &memoryTier{
		items:      make(map[string]*memoryItem),
		lruList:    list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		maxTTL:     maxTTL,
		overLimit:  make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.sweepLoop(sweepInterval)
	return t
}

// Get returns the payload for key and its remaining lifetime.
func (t *memoryTier) Get(key string) ([]byte, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		return nil, 0, false
	}
	remaining := time.Until(item.expiresAt)
	if remaining <= 0 {
		t.removeItem(item)
		return nil, 0, false
	}

	t.lruList.MoveToFront(item.listElem)
	return item.data, remaining, true
}

func (t *memoryTier) Set(key string, data []byte, ttl time.Duration) {
	size := itemSize(key, data)
	expiresAt := time.Now().Add(clampTTL(ttl, t.maxTTL))

	t.mu.Lock()
	if existing, ok := t.items[key]; ok {
		t.currentSize += size - existing.size
		existing.data = data
		existing.size = size
		existing.expiresAt = expiresAt
		t.lruList.MoveToFront(existing.listElem)
	} else {
		item := &memoryItem{key: key, data: data, size: size, expiresAt: expiresAt}
		item.listElem = t.lruList.PushFront(item)
		t.items[key] = item
		t.currentSize += size
	}
	over := t.overLimitLocked()
	t.mu.Unlock()

	if over {
		select {
		case t.overLimit <- struct{}{}:
		default:
		}
	}
}

func (t *memoryTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item, ok := t.items[key]; ok {
		t.removeItem(item)
	}
}

// DeleteMatching removes every key matching pattern and returns the count.
func (t *memoryTier) DeleteMatching(pattern string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, item := range t.items {
		if matchKey(key, pattern) {
			t.removeItem(item)
			n++
		}
	}
	return n
}

func (t *memoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Size returns the approximate number of bytes held.
func (t *memoryTier) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentSize
}

func (t *memoryTier) Evictions() int64 {
	return t.evictions.Load()
}

// Close stops the sweep loop.
func (t *memoryTier) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

// sweep drops expired entries and then evicts from the LRU tail until both
// bounds hold.
func (t *memoryTier) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, item := range t.items {
		if !now.Before(item.expiresAt) {
			t.removeItem(item)
			t.evictions.Add(1)
		}
	}

	for t.overLimitLocked() && t.lruList.Len() > 0 {
		t.removeItem(t.lruList.Back().Value.(*memoryItem))
		t.evictions.Add(1)
	}
}

func (t *memoryTier) sweepLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		case <-t.overLimit:
			t.sweep()
		}
	}
}

// must be called with the lock held
func (t *memoryTier) removeItem(item *memoryItem) {
	delete(t.items, item.key)
	t.lruList.Remove(item.listElem)
	t.currentSize -= item.size
}

// must be called with the lock held
func (t *memoryTier) overLimitLocked() bool {
	return len(t.items) > t.maxEntries || t.currentSize > t.maxBytes
}

// itemSize approximates the footprint of an entry: key, payload and a fixed
// per-entry overhead for the map slot, list element and item header.
func itemSize(key string, data []byte) int64 {
	const overhead = 96
	return int64(len(key)+len(data)) + overhead
}
