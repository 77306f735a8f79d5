package taskwire

import (
	"sort"
	"sync"
)

// ChatStateStore is the externally observable chat state: the ordered
// conversation list and each conversation's message sequence.
//
// Ordering on read is the contract: conversations come back
// most-recently-active-first, messages oldest-first with created-at
// non-decreasing. Mutations that change an ordering key reposition the
// affected entity immediately rather than waiting for a sort pass.
type ChatStateStore struct {
	mu      sync.RWMutex
	self    int64
	order   []int64
	convs   map[int64]*Conversation
	msgs    map[int64][]Message
	active  int64
	version uint64
}

func NewChatStateStore(selfID int64) *ChatStateStore {
	return &ChatStateStore{
		self:  selfID,
		convs: make(map[int64]*Conversation),
		msgs:  make(map[int64][]Message),
	}
}

// SetActive marks the conversation the user is currently viewing
// (0 = none). Opening a conversation reads it: the unread counter
// drops to zero immediately, not on the next poll.
func (s *ChatStateStore) SetActive(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
	if conversationID != 0 {
		s.markReadLocked(conversationID)
	}
	s.version++
}

// Active returns the conversation being viewed, 0 if none.
func (s *ChatStateStore) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// MessageAdmission is AdmitMessage's outcome.
type MessageAdmission int

const (
	// MessageStored means the message was inserted.
	MessageStored MessageAdmission = iota
	// MessageAlreadyStored means the id is already in the sequence
	// (a poll snapshot installed it before its push arrived); the
	// store is untouched and the caller must not re-alert.
	MessageAlreadyStored
	// MessageUnknownConversation means the owning conversation isn't
	// known locally; the caller reacts by resyncing the list.
	MessageUnknownConversation
)

// AdmitMessage inserts an already-deduplicated message in timestamp
// order (push and poll interleave out of order, so never a blind
// append) and updates the owning conversation's snippet, activity time
// and unread counter.
func (s *ChatStateStore) AdmitMessage(m Message) MessageAdmission {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, known := s.convs[m.ConversationID]
	if !known {
		return MessageUnknownConversation
	}

	seq := s.msgs[m.ConversationID]
	for _, existing := range seq {
		if existing.ID == m.ID && m.ID != 0 {
			return MessageAlreadyStored
		}
	}
	s.msgs[m.ConversationID] = insertByTime(seq, m)

	conv.Snippet = truncateSnippet(m.Content)
	if m.CreatedAt.After(conv.LastActivity) {
		conv.LastActivity = m.CreatedAt
	}
	if m.SenderID != s.self && m.ConversationID != s.active && !m.Read {
		conv.Unread++
	}
	if m.ConversationID == s.active {
		conv.Unread = 0
	}
	s.repositionLocked(m.ConversationID)
	s.version++
	return MessageStored
}

// AppendPending stores an optimistic local message before any server
// confirmation. Its timestamp is local now, so a plain ordered insert
// lands it at the tail.
func (s *ChatStateStore) AppendPending(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ConversationID] = insertByTime(s.msgs[m.ConversationID], m)
	if conv, ok := s.convs[m.ConversationID]; ok {
		conv.Snippet = truncateSnippet(m.Content)
		if m.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = m.CreatedAt
		}
		s.repositionLocked(m.ConversationID)
	}
	s.version++
}

// PromotePending swaps a pending message for its server-confirmed
// form. If the confirmed id already arrived through another path the
// pending copy is simply dropped, leaving exactly one stored message.
func (s *ChatStateStore) PromotePending(conversationID int64, localID string, confirmed Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.msgs[conversationID]
	out := seq[:0]
	alreadyStored := false
	for _, m := range seq {
		if m.ID == confirmed.ID && confirmed.ID != 0 {
			alreadyStored = true
		}
		if m.LocalID == localID && m.Pending {
			continue
		}
		out = append(out, m)
	}
	if !alreadyStored {
		out = insertByTime(out, confirmed)
	}
	s.msgs[conversationID] = out
	s.version++
}

// DropPending reverts a failed optimistic message.
func (s *ChatStateStore) DropPending(conversationID int64, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.msgs[conversationID]
	out := seq[:0]
	for _, m := range seq {
		if m.LocalID == localID && m.Pending {
			continue
		}
		out = append(out, m)
	}
	s.msgs[conversationID] = out
	s.version++
}

// MarkRead zeroes a conversation's unread counter and flags its
// peer-authored messages read. Used both for the local read action and
// for the server's messages_read echo.
func (s *ChatStateStore) MarkRead(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadLocked(conversationID)
	s.version++
}

func (s *ChatStateStore) markReadLocked(conversationID int64) {
	if conv, ok := s.convs[conversationID]; ok {
		conv.Unread = 0
	}
	seq := s.msgs[conversationID]
	for i := range seq {
		if seq[i].SenderID != s.self {
			seq[i].Read = true
		}
	}
}

// ReplaceConversations installs a merged conversation snapshot. The
// list is re-sorted most-recently-active-first; message sequences for
// conversations that disappeared are dropped with them.
func (s *ChatStateStore) ReplaceConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceConversationsLocked(list)
}

// ReplaceConversationsIfUnchanged installs a merged snapshot only when
// the store is still at the version the merge was computed from.
// Returns false without mutating when something landed mid-merge; the
// caller's next pass folds it in.
func (s *ChatStateStore) ReplaceConversationsIfUnchanged(list []Conversation, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.replaceConversationsLocked(list)
	return true
}

func (s *ChatStateStore) replaceConversationsLocked(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastActivity.After(list[j].LastActivity)
	})

	convs := make(map[int64]*Conversation, len(list))
	order := make([]int64, 0, len(list))
	for i := range list {
		c := list[i]
		convs[c.ID] = &c
		order = append(order, c.ID)
	}
	for id := range s.msgs {
		if _, kept := convs[id]; !kept {
			delete(s.msgs, id)
		}
	}
	s.convs = convs
	s.order = order
	s.version++
}

// ReplaceMessages installs a merged message sequence for one
// conversation and re-derives the unread counter from it, keeping the
// counter invariant true against the loaded sequence.
func (s *ChatStateStore) ReplaceMessages(conversationID int64, seq []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceMessagesLocked(conversationID, seq)
}

// ReplaceMessagesIfUnchanged installs a merged sequence only when the
// store is still at the version the merge was computed from. Returns
// false without mutating when a push was admitted mid-merge, so a
// stale merge can never wipe push-delivered state.
func (s *ChatStateStore) ReplaceMessagesIfUnchanged(conversationID int64, seq []Message, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	s.replaceMessagesLocked(conversationID, seq)
	return true
}

func (s *ChatStateStore) replaceMessagesLocked(conversationID int64, seq []Message) {
	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].CreatedAt.Before(seq[j].CreatedAt)
	})
	s.msgs[conversationID] = seq

	if conv, ok := s.convs[conversationID]; ok {
		if conversationID == s.active {
			conv.Unread = 0
		} else {
			conv.Unread = countUnread(seq, s.self)
		}
		if n := len(seq); n > 0 {
			last := seq[n-1]
			conv.Snippet = truncateSnippet(last.Content)
			if last.CreatedAt.After(conv.LastActivity) {
				conv.LastActivity = last.CreatedAt
			}
			s.repositionLocked(conversationID)
		}
	}
	s.version++
}

// Conversations returns the conversation list, most recent first.
func (s *ChatStateStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.convs[id])
	}
	return out
}

// Conversation looks up one conversation.
func (s *ChatStateStore) Conversation(id int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[id]; ok {
		return *c, true
	}
	return Conversation{}, false
}

// Messages returns a conversation's sequence, oldest first.
func (s *ChatStateStore) Messages(conversationID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.msgs[conversationID]
	out := make([]Message, len(seq))
	copy(out, seq)
	return out
}

// PendingMessages returns the optimistic messages of a conversation
// that still lack a server id.
func (s *ChatStateStore) PendingMessages(conversationID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.msgs[conversationID] {
		if m.Pending {
			out = append(out, m)
		}
	}
	return out
}

// TotalUnread sums unread counters across conversations.
func (s *ChatStateStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.Unread
	}
	return total
}

// Version increments on every observable mutation.
func (s *ChatStateStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// repositionLocked moves a conversation to its sorted slot after its
// LastActivity changed. Fresh activity moves it to the front.
func (s *ChatStateStore) repositionLocked(conversationID int64) {
	conv := s.convs[conversationID]
	if conv == nil {
		return
	}
	out := s.order[:0]
	for _, id := range s.order {
		if id != conversationID {
			out = append(out, id)
		}
	}
	idx := 0
	for idx < len(out) {
		if !s.convs[out[idx]].LastActivity.After(conv.LastActivity) {
			break
		}
		idx++
	}
	out = append(out, 0)
	copy(out[idx+1:], out[idx:])
	out[idx] = conversationID
	s.order = out
}

// insertByTime inserts keeping created-at non-decreasing; equal
// timestamps keep arrival order.
func insertByTime(seq []Message, m Message) []Message {
	idx := len(seq)
	for idx > 0 && seq[idx-1].CreatedAt.After(m.CreatedAt) {
		idx--
	}
	seq = append(seq, Message{})
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = m
	return seq
}

func countUnread(seq []Message, self int64) int {
	n := 0
	for _, m := range seq {
		if !m.Read && m.SenderID != self {
			n++
		}
	}
	return n
}
