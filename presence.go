package taskwire

import "sync"

// PresenceTracker holds the set of currently-online participants.
// Last writer wins; no history is kept.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[int64]bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[int64]bool)}
}

// Set applies an online-status assignment. Idempotent.
func (p *PresenceTracker) Set(userID int64, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if online {
		p.online[userID] = true
	} else {
		delete(p.online, userID)
	}
}

// Online reports whether a participant is currently online.
func (p *PresenceTracker) Online(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

// Count returns how many participants are online.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// Snapshot returns the online participant ids.
func (p *PresenceTracker) Snapshot() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	return ids
}
