package taskwire

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// User is the session owner, as reported by the login response.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IsManager mirrors the backend's role model: managers and admins see
// the full employee roster.
func (u User) IsManager() bool {
	return u.Role == "manager" || u.Role == "admin"
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is one chat (direct or group) as the client sees it.
// Unread always equals the number of stored messages in the
// conversation that are unread and not authored by the session owner.
type Conversation struct {
	ID           int64            `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name"`
	Snippet      string           `json:"snippet"`
	LastActivity time.Time        `json:"lastActivity"`
	Unread       int              `json:"unread"`
}

// Message is a single chat message. Pending messages carry a LocalID
// and no server ID until the POST response or push echo promotes them.
type Message struct {
	ID             int64     `json:"id"`
	LocalID        string    `json:"-"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
	Pending        bool      `json:"-"`
}

// Confirmed reports whether the message carries a server-assigned id.
func (m Message) Confirmed() bool { return m.ID != 0 }

type NotificationKind string

const (
	NoticeMessage NotificationKind = "message"
	NoticeComment NotificationKind = "comment"
	NoticeOther   NotificationKind = "other"
)

// Notification is one entry in the notification panel, newest first.
type Notification struct {
	ID        int64            `json:"id"`
	OwnerID   int64            `json:"ownerId"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	RelatedID int64            `json:"relatedId"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
	Sound     bool             `json:"sound"`
	ShowPopup bool             `json:"showPopup"`
	// Local marks a notification synthesized client-side (comment
	// broadcasts have no server notification row). Reconciliation
	// preserves local entries instead of trusting the snapshot to
	// contain them.
	Local bool `json:"-"`
}

// Comment is a task comment; same uniqueness and ordering rules as
// Message, scoped to a task instead of a conversation.
type Comment struct {
	ID        int64     `json:"id"`
	LocalID   string    `json:"-"`
	TaskID    int64     `json:"taskId"`
	AuthorID  int64     `json:"authorId"`
	AuthorName string   `json:"authorName"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Pending   bool      `json:"-"`
}

func (c Comment) Confirmed() bool { return c.ID != 0 }

// Key is an admission key for the DedupStore.
type Key string

// MessageKey identifies a message for admission, scoped by conversation
// so a renumbered id in another conversation can never collide.
func MessageKey(conversationID, messageID int64) Key {
	return Key(fmt.Sprintf("msg:%d:%d", conversationID, messageID))
}

// NotificationKey identifies a notification for admission.
func NotificationKey(id int64) Key {
	return Key(fmt.Sprintf("notice:%d", id))
}

// CommentNoticeKey identifies a comment-notification broadcast. When
// the backend omits the comment id the key falls back to a one-minute
// timestamp bucket, matching the transient retention window.
func CommentNoticeKey(taskID, commenterID, commentID int64, at time.Time) Key {
	if commentID != 0 {
		return Key(fmt.Sprintf("comment:%d:%d:%d", taskID, commenterID, commentID))
	}
	return Key(fmt.Sprintf("comment:%d:%d:t%d", taskID, commenterID, at.Unix()/60))
}

// timestampFormats covers the shapes the backend has been seen to emit.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a payload timestamp, substituting the current
// time when the value is empty or unparseable so ordering invariants
// stay satisfiable. A stale date is never a reason to drop an entity.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	logrus.Debugf("unparseable timestamp %q, substituting local time", s)
	return time.Now()
}

// truncateSnippet shortens message content for the conversation list.
func truncateSnippet(content string) string {
	const max = 30
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "..."
}
