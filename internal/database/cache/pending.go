package cache

import "sync"

// maxPendingDeletes bounds the replay queue. Past it the queue collapses to
// a single full invalidation, which is always safe for a cache.
const maxPendingDeletes = 10_000

const matchAll = "*"

// pendingDeletes holds remote deletes that could not be applied while the
// remote tier was unreachable.
type pendingDeletes struct {
	mu       sync.Mutex
	keys     map[string]struct{}
	patterns map[string]struct{}
}

func (p *pendingDeletes) addKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.keys == nil {
		p.keys = make(map[string]struct{})
	}
	p.keys[key] = struct{}{}
	p.collapseLocked()
}

func (p *pendingDeletes) addPattern(pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.patterns == nil {
		p.patterns = make(map[string]struct{})
	}
	p.patterns[pattern] = struct{}{}
	p.collapseLocked()
}

func (p *pendingDeletes) collapseLocked() {
	if _, all := p.patterns[matchAll]; all {
		p.keys = nil
		p.patterns = map[string]struct{}{matchAll: {}}
		return
	}
	if len(p.keys)+len(p.patterns) > maxPendingDeletes {
		p.keys = nil
		p.patterns = map[string]struct{}{matchAll: {}}
	}
}

// drain empties the queue and returns its contents.
func (p *pendingDeletes) drain() (keys, patterns []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k := range p.keys {
		keys = append(keys, k)
	}
	for pat := range p.patterns {
		patterns = append(patterns, pat)
	}
	p.keys, p.patterns = nil, nil
	return keys, patterns
}

func (p *pendingDeletes) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys) + len(p.patterns)
}
