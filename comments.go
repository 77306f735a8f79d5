package taskwire

import (
	"sort"
	"sync"
)

// CommentStore holds per-task comment threads with the same
// uniqueness and ordering rules as messages: oldest first, created-at
// non-decreasing, no id stored twice.
type CommentStore struct {
	mu      sync.RWMutex
	threads map[int64][]Comment
	version uint64
}

func NewCommentStore() *CommentStore {
	return &CommentStore{threads: make(map[int64][]Comment)}
}

// Admit inserts a comment in timestamp order, skipping known ids.
func (s *CommentStore) Admit(c Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.threads[c.TaskID]
	for _, existing := range thread {
		if existing.ID == c.ID && c.ID != 0 {
			return false
		}
	}
	s.threads[c.TaskID] = insertCommentByTime(thread, c)
	s.version++
	return true
}

// AppendPending stores an optimistic local comment.
func (s *CommentStore) AppendPending(c Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[c.TaskID] = insertCommentByTime(s.threads[c.TaskID], c)
	s.version++
}

// PromotePending swaps a pending comment for its confirmed form,
// dropping the pending copy if the confirmed id already arrived.
func (s *CommentStore) PromotePending(taskID int64, localID string, confirmed Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threads[taskID]
	out := thread[:0]
	alreadyStored := false
	for _, c := range thread {
		if c.ID == confirmed.ID && confirmed.ID != 0 {
			alreadyStored = true
		}
		if c.LocalID == localID && c.Pending {
			continue
		}
		out = append(out, c)
	}
	if !alreadyStored {
		out = insertCommentByTime(out, confirmed)
	}
	s.threads[taskID] = out
	s.version++
}

// DropPending reverts a failed optimistic comment.
func (s *CommentStore) DropPending(taskID int64, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.threads[taskID]
	out := thread[:0]
	for _, c := range thread {
		if c.LocalID == localID && c.Pending {
			continue
		}
		out = append(out, c)
	}
	s.threads[taskID] = out
	s.version++
}

// Replace installs a merged thread snapshot for one task.
func (s *CommentStore) Replace(taskID int64, thread []Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(taskID, thread)
}

// ReplaceIfUnchanged installs a merged thread only when the store is
// still at the version the merge was computed from. Returns false
// without mutating otherwise.
func (s *CommentStore) ReplaceIfUnchanged(taskID int64, thread []Comment, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.replaceLocked(taskID, thread)
	return true
}

func (s *CommentStore) replaceLocked(taskID int64, thread []Comment) {
	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].CreatedAt.Before(thread[j].CreatedAt)
	})
	s.threads[taskID] = thread
	s.version++
}

// Thread returns a task's comments, oldest first.
func (s *CommentStore) Thread(taskID int64) []Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread := s.threads[taskID]
	out := make([]Comment, len(thread))
	copy(out, thread)
	return out
}

// PendingComments returns a task's optimistic comments still lacking
// a server id.
func (s *CommentStore) PendingComments(taskID int64) []Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Comment
	for _, c := range s.threads[taskID] {
		if c.Pending {
			out = append(out, c)
		}
	}
	return out
}

// Version increments on every observable mutation.
func (s *CommentStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func insertCommentByTime(thread []Comment, c Comment) []Comment {
	idx := len(thread)
	for idx > 0 && thread[idx-1].CreatedAt.After(c.CreatedAt) {
		idx--
	}
	thread = append(thread, Comment{})
	copy(thread[idx+1:], thread[idx:])
	thread[idx] = c
	return thread
}
