package taskwire

import (
	"encoding/json"
	"fmt"
)

// Push frame tags. The wire envelope is {"event": tag, "data": {...}},
// one JSON document per frame regardless of transport.
const (
	TagAuthenticate  = "authenticate"
	TagNewMessage    = "new_message"
	TagUserTyping    = "user_typing"
	TagOnlineStatus  = "user_online_status"
	TagMessagesRead  = "messages_read"
	TagNotification  = "new_notification"
	TagCommentNotice = "new_comment_notification"
)

// Frame is one decoded push event. The set of implementations is
// closed; EventRouter matches it exhaustively and anything that fails
// to decode into the set arrives as UnknownFrame.
type Frame interface {
	Tag() string
}

// AuthFrame is sent (never received) right after the transport opens.
type AuthFrame struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

func (AuthFrame) Tag() string { return TagAuthenticate }

// MessageFrame carries a newly created chat message.
type MessageFrame struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}

func (MessageFrame) Tag() string { return TagNewMessage }

// Message converts the frame into a stored entity, repairing the
// timestamp if the backend sent garbage.
func (f MessageFrame) Message() Message {
	return Message{
		ID:             f.ID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		SenderName:     f.SenderName,
		Content:        f.Content,
		CreatedAt:      ParseTimestamp(f.CreatedAt),
	}
}

// TypingFrame signals a participant starting or stopping typing.
type TypingFrame struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

func (TypingFrame) Tag() string { return TagUserTyping }

// PresenceFrame is a pure state assignment, no dedup key needed.
type PresenceFrame struct {
	UserID   int64 `json:"userId"`
	IsOnline bool  `json:"isOnline"`
}

func (PresenceFrame) Tag() string { return TagOnlineStatus }

// ReadFrame reports that a conversation's messages were read.
type ReadFrame struct {
	ConversationID int64 `json:"conversationId"`
}

func (ReadFrame) Tag() string { return TagMessagesRead }

// NotificationFrame carries a server-created notification.
type NotificationFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	RelatedID int64  `json:"relatedId"`
	CreatedAt string `json:"createdAt"`
	Sound     bool   `json:"sound"`
	ShowPopup bool   `json:"showPopup"`
}

func (NotificationFrame) Tag() string { return TagNotification }

// Notification converts the frame into a stored entity.
func (f NotificationFrame) Notification(ownerID int64) Notification {
	kind := NoticeOther
	switch f.Type {
	case "new_message", "message":
		kind = NoticeMessage
	case "comment":
		kind = NoticeComment
	}
	return Notification{
		ID:        f.ID,
		OwnerID:   ownerID,
		Kind:      kind,
		Title:     f.Title,
		Message:   f.Message,
		RelatedID: f.RelatedID,
		CreatedAt: ParseTimestamp(f.CreatedAt),
		Sound:     f.Sound,
		ShowPopup: f.ShowPopup,
	}
}

// CommentNoticeFrame announces a comment on a task. The backend
// broadcasts it to every connected client; relevance filtering is the
// router's job.
type CommentNoticeFrame struct {
	TaskID         int64  `json:"taskId"`
	TaskTitle      string `json:"taskTitle"`
	TaskAssignedTo int64  `json:"taskAssignedTo"`
	CommenterID    int64  `json:"commenterId"`
	CommenterName  string `json:"commenterName"`
	CommentID      int64  `json:"commentId"`
	CreatedAt      string `json:"createdAt"`
}

func (CommentNoticeFrame) Tag() string { return TagCommentNotice }

// UnknownFrame is any frame whose tag is not in the closed set. The
// router drops it with a warning; it is never fatal.
type UnknownFrame struct {
	RawTag string
	Raw    json.RawMessage
}

func (f UnknownFrame) Tag() string { return f.RawTag }

type frameEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeFrame parses one wire frame. A malformed envelope is an error
// (the transport logs and skips it); a well-formed envelope with an
// unrecognized tag decodes into UnknownFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("frame envelope missing event tag")
	}

	decode := func(into Frame) (Frame, error) {
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, into); err != nil {
				return nil, fmt.Errorf("malformed %s payload: %w", env.Event, err)
			}
		}
		return into, nil
	}

	switch env.Event {
	case TagNewMessage:
		return decode(&MessageFrame{})
	case TagUserTyping:
		return decode(&TypingFrame{})
	case TagOnlineStatus:
		return decode(&PresenceFrame{})
	case TagMessagesRead:
		return decode(&ReadFrame{})
	case TagNotification:
		return decode(&NotificationFrame{})
	case TagCommentNotice:
		return decode(&CommentNoticeFrame{})
	default:
		return UnknownFrame{RawTag: env.Event, Raw: env.Data}, nil
	}
}

// EncodeFrame wraps a frame in the wire envelope.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", f.Tag(), err)
	}
	return json.Marshal(frameEnvelope{Event: f.Tag(), Data: data})
}
