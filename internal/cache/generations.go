package cache

import (
	"sync"
)

// generations orders invalidations against evaluations. Every invalidation
// takes the next sequence number; an entry stamped with the sequence observed
// when its evaluation began stays valid only while no flag it touched (and no
// global invalidation) carries a later number.
type generations struct {
	mu    sync.RWMutex
	seq   uint64
	all   uint64
	byKey map[string]uint64
}

func newGenerations() *generations {
	return &generations{byKey: make(map[string]uint64)}
}

// stamp returns the current sequence number.
func (g *generations) stamp() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seq
}

// valid reports whether an entry stamped at s that touched keys is still current.
func (g *generations) valid(s uint64, keys []string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.all > s {
		return false
	}
	for _, k := range keys {
		if g.byKey[k] > s {
			return false
		}
	}
	return true
}

func (g *generations) bump(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.byKey[key] = g.seq
}

func (g *generations) bumpAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.all = g.seq
	// Per-key numbers at or below all can no longer invalidate anything.
	clear(g.byKey)
}
