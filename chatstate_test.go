package taskwire

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func at(sec int) time.Time {
	return time.Date(2026, 8, 27, 12, 0, sec, 0, time.UTC)
}

func seedConversations(s *ChatStateStore) {
	s.ReplaceConversations([]Conversation{
		{ID: 1, Kind: ConversationDirect, Name: "bo", LastActivity: at(10)},
		{ID: 2, Kind: ConversationGroup, Name: "ops", LastActivity: at(20)},
	})
}

func TestChatStateOrderingInvariants(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != 2 || convs[1].ID != 1 {
		t.Fatalf("conversations not most-recent-first: %+v", convs)
	}

	// Messages arrive out of order; reads must come back sorted.
	s.AdmitMessage(Message{ID: 11, ConversationID: 1, SenderID: 2, Content: "second", CreatedAt: at(31)})
	s.AdmitMessage(Message{ID: 10, ConversationID: 1, SenderID: 2, Content: "first", CreatedAt: at(30)})
	s.AdmitMessage(Message{ID: 12, ConversationID: 1, SenderID: 2, Content: "third", CreatedAt: at(32)})

	var got []int64
	for _, m := range s.Messages(1) {
		got = append(got, m.ID)
	}
	if diff := cmp.Diff([]int64{10, 11, 12}, got); diff != "" {
		t.Fatalf("message order mismatch (-want +got):\n%s", diff)
	}

	// Fresh activity moved conversation 1 to the front.
	if convs := s.Conversations(); convs[0].ID != 1 {
		t.Fatalf("conversation 1 should lead after new messages: %+v", convs)
	}
	if snippet := s.Conversations()[0].Snippet; snippet != "third" {
		t.Fatalf("snippet should track the latest admit, got %q", snippet)
	}
}

func TestChatStateUnreadCounter(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	// Peer messages in a background conversation count.
	s.AdmitMessage(Message{ID: 10, ConversationID: 1, SenderID: 2, Content: "a", CreatedAt: at(30)})
	s.AdmitMessage(Message{ID: 11, ConversationID: 1, SenderID: 2, Content: "b", CreatedAt: at(31)})
	// Own messages never count.
	s.AdmitMessage(Message{ID: 12, ConversationID: 1, SenderID: 1, Content: "mine", CreatedAt: at(32), Read: true})

	conv, _ := s.Conversation(1)
	if conv.Unread != 2 {
		t.Fatalf("expected 2 unread, got %d", conv.Unread)
	}
	if s.TotalUnread() != 2 {
		t.Fatalf("expected total 2, got %d", s.TotalUnread())
	}

	// Opening the conversation reads it immediately.
	s.SetActive(1)
	conv, _ = s.Conversation(1)
	if conv.Unread != 0 {
		t.Fatalf("active conversation should read to zero, got %d", conv.Unread)
	}
	for _, m := range s.Messages(1) {
		if m.SenderID != 1 && !m.Read {
			t.Fatalf("peer message %d should be read", m.ID)
		}
	}

	// While active, incoming messages never increment.
	s.AdmitMessage(Message{ID: 13, ConversationID: 1, SenderID: 2, Content: "c", CreatedAt: at(33)})
	conv, _ = s.Conversation(1)
	if conv.Unread != 0 {
		t.Fatalf("active conversation accumulated unread: %d", conv.Unread)
	}
}

func TestChatStateDuplicateAdmitIsNoop(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	m := Message{ID: 10, ConversationID: 1, SenderID: 2, Content: "a", CreatedAt: at(30)}
	if got := s.AdmitMessage(m); got != MessageStored {
		t.Fatalf("first admit should store, got %v", got)
	}
	if got := s.AdmitMessage(m); got != MessageAlreadyStored {
		t.Fatalf("second admit should report already stored, got %v", got)
	}

	if n := len(s.Messages(1)); n != 1 {
		t.Fatalf("expected 1 stored message, got %d", n)
	}
	if conv, _ := s.Conversation(1); conv.Unread != 1 {
		t.Fatalf("duplicate admit must not double-count unread: %d", conv.Unread)
	}
}

func TestChatStateUnknownConversation(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	if got := s.AdmitMessage(Message{ID: 10, ConversationID: 99, SenderID: 2, CreatedAt: at(30)}); got != MessageUnknownConversation {
		t.Fatalf("unknown conversation should be rejected, got %v", got)
	}
	if n := len(s.Messages(99)); n != 0 {
		t.Fatalf("nothing should be stored for unknown conversation, got %d", n)
	}
}

func TestChatStatePendingLifecycle(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	pending := Message{LocalID: "local-1", ConversationID: 1, SenderID: 1, Content: "draft", CreatedAt: at(40), Read: true, Pending: true}
	s.AppendPending(pending)

	if n := len(s.PendingMessages(1)); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}

	t.Run("promote", func(t *testing.T) {
		confirmed := pending
		confirmed.ID = 77
		confirmed.Pending = false
		confirmed.LocalID = ""
		s.PromotePending(1, "local-1", confirmed)

		msgs := s.Messages(1)
		if len(msgs) != 1 || msgs[0].ID != 77 || msgs[0].Pending {
			t.Fatalf("promotion left wrong state: %+v", msgs)
		}
		if n := len(s.PendingMessages(1)); n != 0 {
			t.Fatalf("pending should be gone, got %d", n)
		}
	})

	t.Run("promote when echo arrived first", func(t *testing.T) {
		p2 := Message{LocalID: "local-2", ConversationID: 1, SenderID: 1, Content: "again", CreatedAt: at(41), Read: true, Pending: true}
		s.AppendPending(p2)
		// The push echo admitted the confirmed row before the POST
		// response came back.
		s.AdmitMessage(Message{ID: 78, ConversationID: 1, SenderID: 1, Content: "again", CreatedAt: at(41), Read: true})

		confirmed := p2
		confirmed.ID = 78
		confirmed.Pending = false
		s.PromotePending(1, "local-2", confirmed)

		count := 0
		for _, m := range s.Messages(1) {
			if m.ID == 78 {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("message 78 stored %d times, want exactly 1", count)
		}
	})

	t.Run("drop on failure", func(t *testing.T) {
		p3 := Message{LocalID: "local-3", ConversationID: 1, SenderID: 1, Content: "failed", CreatedAt: at(42), Pending: true}
		s.AppendPending(p3)
		s.DropPending(1, "local-3")
		for _, m := range s.Messages(1) {
			if m.LocalID == "local-3" {
				t.Fatal("dropped pending message still stored")
			}
		}
	})
}

func TestChatStateReplaceMessagesRecountsUnread(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	s.ReplaceMessages(1, []Message{
		{ID: 10, ConversationID: 1, SenderID: 2, Content: "a", CreatedAt: at(31)},
		{ID: 11, ConversationID: 1, SenderID: 2, Content: "b", CreatedAt: at(30), Read: true},
		{ID: 12, ConversationID: 1, SenderID: 1, Content: "mine", CreatedAt: at(32)},
	})

	msgs := s.Messages(1)
	if msgs[0].ID != 11 {
		t.Fatalf("replace should sort by timestamp, got %+v", msgs)
	}
	conv, _ := s.Conversation(1)
	if conv.Unread != 1 {
		t.Fatalf("unread should re-derive to 1, got %d", conv.Unread)
	}
	if conv.Snippet != "mine" {
		t.Fatalf("snippet should follow the newest message, got %q", conv.Snippet)
	}
}

func TestChatStateReplaceConversationsDropsOrphans(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)
	s.AdmitMessage(Message{ID: 10, ConversationID: 2, SenderID: 3, Content: "x", CreatedAt: at(30)})

	s.ReplaceConversations([]Conversation{
		{ID: 1, Kind: ConversationDirect, Name: "bo", LastActivity: at(10)},
	})

	if n := len(s.Messages(2)); n != 0 {
		t.Fatalf("messages of a removed conversation should be dropped, got %d", n)
	}
	if _, ok := s.Conversation(2); ok {
		t.Fatal("conversation 2 should be gone")
	}
}

func TestChatStateVersionedReplaceRefusesStaleMerge(t *testing.T) {
	s := NewChatStateStore(1)
	seedConversations(s)

	version := s.Version()
	merged := []Message{{ID: 10, ConversationID: 1, SenderID: 2, Content: "snapshot", CreatedAt: at(30)}}

	// A push lands between the merge's read and its write-back.
	s.AdmitMessage(Message{ID: 11, ConversationID: 1, SenderID: 2, Content: "pushed", CreatedAt: at(31)})

	if s.ReplaceMessagesIfUnchanged(1, merged, version) {
		t.Fatal("stale merge should be refused")
	}
	msgs := s.Messages(1)
	if len(msgs) != 1 || msgs[0].ID != 11 {
		t.Fatalf("pushed message should survive the refused write, got %+v", msgs)
	}

	version = s.Version()
	merged = []Message{
		{ID: 10, ConversationID: 1, SenderID: 2, Content: "snapshot", CreatedAt: at(30)},
		{ID: 11, ConversationID: 1, SenderID: 2, Content: "pushed", CreatedAt: at(31)},
	}
	if !s.ReplaceMessagesIfUnchanged(1, merged, version) {
		t.Fatal("merge computed from the current version should apply")
	}
	if n := len(s.Messages(1)); n != 2 {
		t.Fatalf("expected 2 messages after the applied merge, got %d", n)
	}
}
