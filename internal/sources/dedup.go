package sources

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultDedupSize is the per-adapter dedup window.
const defaultDedupSize = 10000

// dedupCache remembers recently seen source item IDs so overlapping polls
// and stream re-deliveries do not produce duplicate events.
type dedupCache struct {
	seen *lru.Cache[string, struct{}]
}

func newDedupCache(size int) *dedupCache {
	if size <= 0 {
		size = defaultDedupSize
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &dedupCache{seen: c}
}

// Seen reports whether id was already observed and records it if not.
func (d *dedupCache) Seen(id string) bool {
	if _, ok := d.seen.Get(id); ok {
		return true
	}
	d.seen.Add(id, struct{}{})
	return false
}

// Len returns the number of remembered IDs.
func (d *dedupCache) Len() int {
	return d.seen.Len()
}
