package taskwire

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Alert is the engine's decision that an admitted event deserves the
// user's attention. Rendering (sound, popup) is the caller's problem;
// the engine only decides.
type Alert struct {
	Kind      NotificationKind
	Title     string
	Body      string
	RelatedID int64
	Sound     bool
	Popup     bool
}

// EventRouter demultiplexes inbound push frames into the stores.
// Every frame dispatches to exactly one handler family; unknown tags
// are dropped with a warning, never fatal.
type EventRouter struct {
	self     User
	dedup    *DedupStore
	chats    *ChatStateStore
	notices  *NotificationCenter
	presence *PresenceTracker
	typing   *TypingTracker

	// assigneeOnly suppresses comment notifications for tasks not
	// assigned to the session owner. Configurable: the intended policy
	// for managers who created but don't own a task is unsettled.
	assigneeOnly bool

	// onMissingConversation fires when a message references a
	// conversation the local list doesn't have; the session wires it
	// to a conversation resync.
	onMissingConversation func(conversationID int64)

	// onAlert receives attention-worthy admissions.
	onAlert func(Alert)
}

func NewEventRouter(self User, dedup *DedupStore, chats *ChatStateStore,
	notices *NotificationCenter, presence *PresenceTracker, typing *TypingTracker,
	assigneeOnly bool) *EventRouter {
	return &EventRouter{
		self:         self,
		dedup:        dedup,
		chats:        chats,
		notices:      notices,
		presence:     presence,
		typing:       typing,
		assigneeOnly: assigneeOnly,
	}
}

func (r *EventRouter) SetOnMissingConversation(fn func(int64)) { r.onMissingConversation = fn }
func (r *EventRouter) SetOnAlert(fn func(Alert))               { r.onAlert = fn }

// Route dispatches one frame. Frames arrive in strict per-connection
// order from the ConnectionManager's pump goroutine, so no handler
// needs to reason about concurrent frames.
func (r *EventRouter) Route(frame Frame) {
	switch f := frame.(type) {
	case *MessageFrame:
		r.handleMessage(f)
	case *TypingFrame:
		r.handleTyping(f)
	case *PresenceFrame:
		r.presence.Set(f.UserID, f.IsOnline)
	case *ReadFrame:
		r.chats.MarkRead(f.ConversationID)
	case *NotificationFrame:
		r.handleNotification(f)
	case *CommentNoticeFrame:
		r.handleCommentNotice(f)
	case UnknownFrame:
		logrus.Warnf("dropping push frame with unknown tag %q", f.RawTag)
	default:
		logrus.Warnf("dropping push frame of unexpected type %T", frame)
	}
}

func (r *EventRouter) handleMessage(f *MessageFrame) {
	key := MessageKey(f.ConversationID, f.ID)
	if !r.dedup.Admit(key) {
		// Covers the push echo of the session's own optimistic send:
		// the REST response admitted the key first.
		logrus.Debugf("duplicate message %d in conversation %d dropped", f.ID, f.ConversationID)
		return
	}

	msg := f.Message()
	fromSelf := msg.SenderID == r.self.ID
	activeView := r.chats.Active() == msg.ConversationID
	if fromSelf || activeView {
		msg.Read = true
	}

	switch r.chats.AdmitMessage(msg) {
	case MessageUnknownConversation:
		logrus.Infof("message for unknown conversation %d, resyncing list", msg.ConversationID)
		if r.onMissingConversation != nil {
			r.onMissingConversation(msg.ConversationID)
		}
		return
	case MessageAlreadyStored:
		// A poll snapshot installed this id before its push arrived;
		// the user already has it on screen.
		logrus.Debugf("message %d in conversation %d already stored, alert suppressed", msg.ID, msg.ConversationID)
		return
	}

	if !fromSelf && r.onAlert != nil {
		r.onAlert(Alert{
			Kind:      NoticeMessage,
			Title:     fmt.Sprintf("New message from %s", msg.SenderName),
			Body:      truncateSnippet(msg.Content),
			RelatedID: msg.ConversationID,
			Sound:     true,
			Popup:     !activeView,
		})
	}
}

func (r *EventRouter) handleTyping(f *TypingFrame) {
	if f.UserID == r.self.ID {
		return
	}
	r.typing.Apply(f.ConversationID, f.UserName, f.IsTyping)
}

func (r *EventRouter) handleNotification(f *NotificationFrame) {
	if !r.dedup.Admit(NotificationKey(f.ID)) {
		logrus.Debugf("duplicate notification %d dropped", f.ID)
		return
	}

	notice := f.Notification(r.self.ID)
	if !r.notices.Admit(notice) {
		return
	}
	if r.onAlert != nil {
		r.onAlert(Alert{
			Kind:      notice.Kind,
			Title:     notice.Title,
			Body:      notice.Message,
			RelatedID: notice.RelatedID,
			Sound:     notice.Sound,
			Popup:     notice.ShowPopup,
		})
	}
}

func (r *EventRouter) handleCommentNotice(f *CommentNoticeFrame) {
	if f.CommenterID == r.self.ID {
		// Never notify the author about their own comment.
		return
	}
	if r.assigneeOnly && f.TaskAssignedTo != r.self.ID {
		logrus.Debugf("comment on task %d not assigned to us, suppressed", f.TaskID)
		return
	}

	at := ParseTimestamp(f.CreatedAt)
	key := CommentNoticeKey(f.TaskID, f.CommenterID, f.CommentID, at)
	if !r.dedup.AdmitTransient(key) {
		logrus.Debugf("duplicate comment notice %s dropped", key)
		return
	}

	// The backend broadcasts raw comment data; the client synthesizes
	// the notification entry itself.
	notice := Notification{
		ID:        syntheticNoticeID(key),
		OwnerID:   r.self.ID,
		Kind:      NoticeComment,
		Title:     "New Comment",
		Message:   fmt.Sprintf("%s commented on your task: %s", f.CommenterName, f.TaskTitle),
		RelatedID: f.TaskID,
		CreatedAt: at,
		Sound:     true,
		ShowPopup: true,
		Local:     true,
	}
	if !r.notices.Admit(notice) {
		return
	}
	if r.onAlert != nil {
		r.onAlert(Alert{
			Kind:      NoticeComment,
			Title:     notice.Title,
			Body:      notice.Message,
			RelatedID: f.TaskID,
			Sound:     true,
			Popup:     true,
		})
	}
}

// syntheticNoticeID derives a stable panel id for a locally
// synthesized notification from its admission key. Timestamps are too
// coarse: two comments on different tasks can share a parsed second,
// and the panel dedups on id.
func syntheticNoticeID(key Key) int64 {
	sum := blake3.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}
