// Package history keeps the relay's bounded, insertion-ordered log of
// routed envelopes. Ring order is the relay's only authoritative order
// of record.
package history

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentwire/bridge/internal/message"
)

type Ring struct {
	mu   sync.RWMutex
	buf  []message.Envelope
	next int // index of the next write
	size int

	// Secondary envelope-by-id cache. Safe to lose: lookups fall back
	// to scanning the ring. Nil when cacheSize <= 0.
	cache *lru.Cache[string, message.Envelope]
}

// New creates a ring holding the most recent `capacity` envelopes and
// an optional by-id lookup cache of `cacheSize` entries.
func New(capacity, cacheSize int) *Ring {
	if capacity < 1 {
		capacity = 1
	}

	r := &Ring{buf: make([]message.Envelope, capacity)}
	if cacheSize > 0 {
		// lru.New only errors on non-positive size.
		r.cache, _ = lru.New[string, message.Envelope](cacheSize)
	}
	return r
}

// Append stores an envelope, overwriting the oldest entry once the
// ring is full. O(1).
func (r *Ring) Append(env message.Envelope) {
	r.mu.Lock()
	r.buf[r.next] = env
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.Add(env.ID, env)
	}
}

// Recent returns a copy of the last min(limit, size) envelopes in
// arrival order, most recent last.
func (r *Ring) Recent(limit int) []message.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit < 0 {
		limit = 0
	}
	n := limit
	if n > r.size {
		n = r.size
	}

	out := make([]message.Envelope, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Lookup finds an envelope by id, consulting the cache before scanning
// the ring.
func (r *Ring) Lookup(id string) (message.Envelope, bool) {
	if r.cache != nil {
		if env, ok := r.cache.Get(id); ok {
			return env, true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.buf)
		}
		if r.buf[idx].ID == id {
			return r.buf[idx], true
		}
	}
	return message.Envelope{}, false
}

// DropCaches clears the lookup cache. Called by the resource
// supervisor under memory pressure; ring contents are never touched.
func (r *Ring) DropCaches() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring) Capacity() int {
	return len(r.buf)
}
