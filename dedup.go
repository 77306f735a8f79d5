package taskwire

import (
	"sync"
	"time"
)

// DefaultTransientTTL is the retention window for high-churn transient
// keys (comment-notification broadcasts). Durable keys (message and
// notification ids) never expire: they are exactly the entity set the
// session has admitted, so membership must outlive any window.
const DefaultTransientTTL = 60 * time.Second

// DedupStore decides, once per entity, whether an arrival is new.
// The same fact can reach the client through the initial fetch, the
// poll, the push channel, and the local optimistic write; whichever
// path wins the race admits the key and every later path is a no-op.
type DedupStore struct {
	mu        sync.Mutex
	durable   map[Key]struct{}
	transient map[Key]time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewDedupStore(transientTTL time.Duration) *DedupStore {
	if transientTTL <= 0 {
		transientTTL = DefaultTransientTTL
	}
	return &DedupStore{
		durable:   make(map[Key]struct{}),
		transient: make(map[Key]time.Time),
		ttl:       transientTTL,
		now:       time.Now,
	}
}

// Admit records a durable key. Returns true on first sight, false on
// repeat.
func (d *DedupStore) Admit(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.durable[key]; seen {
		return false
	}
	d.durable[key] = struct{}{}
	return true
}

// Seen reports whether a durable key was already admitted.
func (d *DedupStore) Seen(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, seen := d.durable[key]
	return seen
}

// Forget drops a durable key. Used when the entity itself is deleted
// so a legitimate re-creation with a recycled id is not swallowed.
func (d *DedupStore) Forget(key Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.durable, key)
}

// AdmitTransient records a key with TTL retention. Returns true on
// first sight within the window.
func (d *DedupStore) AdmitTransient(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if expiry, seen := d.transient[key]; seen && now.Before(expiry) {
		return false
	}
	d.transient[key] = now.Add(d.ttl)
	return true
}

// Sweep evicts expired transient keys. The session runs this on its
// maintenance interval; admission also ignores expired entries so a
// missed sweep only costs memory, never correctness.
func (d *DedupStore) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	evicted := 0
	for key, expiry := range d.transient {
		if !now.Before(expiry) {
			delete(d.transient, key)
			evicted++
		}
	}
	return evicted
}

// Len returns (durable, transient) key counts.
func (d *DedupStore) Len() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.durable), len(d.transient)
}
