package consumer

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedup is the per-process duplicate suppressor keyed on
// (block, tx, logIndex). It is a latency optimization only: true
// duplicate protection is the store's idempotent transitions.
type Dedup struct {
	set *expirable.LRU[string, struct{}]
}

// NewDedup creates a set bounded by size entries and ttl per entry.
func NewDedup(size int, ttl time.Duration) *Dedup {
	return &Dedup{set: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen records key and reports whether it was already present.
func (d *Dedup) Seen(key string) bool {
	if _, ok := d.set.Get(key); ok {
		return true
	}
	d.set.Add(key, struct{}{})
	return false
}
