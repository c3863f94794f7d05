package executor

import (
	"sync"
	"time"
)

// Dedup remembers fill identities for a TTL so the same fill is never
// submitted twice. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup creates a Dedup that remembers keys for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was marked within the TTL. An unseen or
// expired key is marked and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup drops expired keys. Call it periodically.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
