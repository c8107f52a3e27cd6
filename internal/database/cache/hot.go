package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type hotItem struct {
	data      []byte
	expiresAt time.Time
}

// hotTier is a small expiring LRU in front of the memory tier. The LRU's own
// TTL is the tier maximum; shorter per-entry TTLs are checked on read.
type hotTier struct {
	lru    *expirable.LRU[string, hotItem]
	maxTTL time.Duration
}

func newHotTier(maxEntries int, maxTTL time.Duration) *hotTier {
	return &hotTier{
		lru:    expirable.NewLRU[string, hotItem](maxEntries, nil, maxTTL),
		maxTTL: maxTTL,
	}
}

func (t *hotTier) Get(key string) ([]byte, bool) {
	item, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !time.Now().Before(item.expiresAt) {
		t.lru.Remove(key)
		return nil, false
	}
	return item.data, true
}

func (t *hotTier) Set(key string, data []byte, ttl time.Duration) {
	t.lru.Add(key, hotItem{data: data, expiresAt: time.Now().Add(clampTTL(ttl, t.maxTTL))})
}

func (t *hotTier) Delete(key string) {
	t.lru.Remove(key)
}

// DeleteMatching removes every key matching pattern and returns the count.
func (t *hotTier) DeleteMatching(pattern string) int {
	n := 0
	for _, key := range t.lru.Keys() {
		if matchKey(key, pattern) && t.lru.Remove(key) {
			n++
		}
	}
	return n
}

func (t *hotTier) Len() int {
	return t.lru.Len()
}
