package taskwire

import (
	"sort"
	"sync"
)

// NotificationCenter keeps the notification panel state: newest first,
// read-state aware. An id, once admitted, is never re-inserted even if
// the backend re-delivers it.
type NotificationCenter struct {
	mu      sync.RWMutex
	list    []Notification
	seen    map[int64]struct{}
	version uint64
}

func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{seen: make(map[int64]struct{})}
}

// Admit inserts a notification at its newest-first position. Returns
// false for an id already admitted.
func (n *NotificationCenter) Admit(notice Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.seen[notice.ID]; dup {
		return false
	}
	n.seen[notice.ID] = struct{}{}

	idx := 0
	for idx < len(n.list) && n.list[idx].CreatedAt.After(notice.CreatedAt) {
		idx++
	}
	n.list = append(n.list, Notification{})
	copy(n.list[idx+1:], n.list[idx:])
	n.list[idx] = notice
	n.version++
	return true
}

// Replace installs a merged snapshot, newest first.
func (n *NotificationCenter) Replace(list []Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaceLocked(list)
}

// ReplaceIfUnchanged installs a merged snapshot only when the center
// is still at the version the merge was computed from. Returns false
// without mutating otherwise.
func (n *NotificationCenter) ReplaceIfUnchanged(list []Notification, version uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.version != version {
		return false
	}
	n.replaceLocked(list)
	return true
}

func (n *NotificationCenter) replaceLocked(list []Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	seen := make(map[int64]struct{}, len(list))
	for _, notice := range list {
		seen[notice.ID] = struct{}{}
	}
	n.list = list
	n.seen = seen
	n.version++
}

// MarkRead flags one notification read. Returns false if unknown.
func (n *NotificationCenter) MarkRead(id int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.list {
		if n.list[i].ID == id {
			if !n.list[i].Read {
				n.list[i].Read = true
				n.version++
			}
			return true
		}
	}
	return false
}

// MarkAllRead flags every notification read.
func (n *NotificationCenter) MarkAllRead() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.list {
		n.list[i].Read = true
	}
	n.version++
}

// Delete removes one notification and releases its id so a future
// server-side re-creation is admissible again.
func (n *NotificationCenter) Delete(id int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.list {
		if n.list[i].ID == id {
			n.list = append(n.list[:i], n.list[i+1:]...)
			delete(n.seen, id)
			n.version++
			return true
		}
	}
	return false
}

// List returns the notifications, newest first.
func (n *NotificationCenter) List() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Notification, len(n.list))
	copy(out, n.list)
	return out
}

// Unread counts unread notifications.
func (n *NotificationCenter) Unread() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, notice := range n.list {
		if !notice.Read {
			count++
		}
	}
	return count
}

// Version increments on every observable mutation.
func (n *NotificationCenter) Version() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}
