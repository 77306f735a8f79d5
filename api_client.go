package taskwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIClient talks to the task-manager REST backend. Every call is
// bearer-token authenticated; writes return the server-confirmed
// entity (definitive id and timestamp) in the response body.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the bearer token, for transports that authenticate
// with the same credential.
func (a *APIClient) Token() string { return a.token }

// SessionValid inspects the bearer token's expiry claim. The token is
// not verified (the client has no key and doesn't need one); an
// unparseable or claimless token is treated as valid and left for the
// backend to reject.
func (a *APIClient) SessionValid(now time.Time) bool {
	if a.token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(a.token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Before(exp.Time)
}

// Wire shapes, as the backend emits them.

type conversationDTO struct {
	ID              int64  `json:"id"`
	Type            string `json:"type"`
	Name            string `json:"name"`
	OtherUserName   string `json:"other_user_name"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
	IsGroup         bool   `json:"is_group"`
}

func (d conversationDTO) entity() Conversation {
	kind := ConversationDirect
	name := d.OtherUserName
	if d.IsGroup || d.Type == "group" {
		kind = ConversationGroup
		name = d.Name
	}
	return Conversation{
		ID:           d.ID,
		Kind:         kind,
		Name:         name,
		Snippet:      d.LastMessage,
		LastActivity: ParseTimestamp(d.LastMessageTime),
		Unread:       d.UnreadCount,
	}
}

type messageDTO struct {
	ID         int64  `json:"id"`
	ChatID     int64  `json:"chat_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
	IsRead     bool   `json:"is_read"`
}

func (d messageDTO) entity() Message {
	return Message{
		ID:             d.ID,
		ConversationID: d.ChatID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Content:        d.Content,
		CreatedAt:      ParseTimestamp(d.CreatedAt),
		Read:           d.IsRead,
	}
}

type notificationDTO struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	RelatedID int64  `json:"related_id"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
	Sound     bool   `json:"sound"`
	ShowPopup bool   `json:"show_popup"`
}

func (d notificationDTO) entity() Notification {
	kind := NoticeOther
	switch d.Type {
	case "new_message", "message":
		kind = NoticeMessage
	case "comment":
		kind = NoticeComment
	}
	return Notification{
		ID:        d.ID,
		OwnerID:   d.UserID,
		Kind:      kind,
		Title:     d.Title,
		Message:   d.Message,
		RelatedID: d.RelatedID,
		Read:      d.IsRead,
		CreatedAt: ParseTimestamp(d.CreatedAt),
		Sound:     d.Sound,
		ShowPopup: d.ShowPopup,
	}
}

type commentDTO struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"created_at"`
}

func (d commentDTO) entity() Comment {
	return Comment{
		ID:         d.ID,
		TaskID:     d.TaskID,
		AuthorID:   d.UserID,
		AuthorName: d.UserName,
		Body:       d.Comment,
		CreatedAt:  ParseTimestamp(d.CreatedAt),
	}
}

// ListConversations fetches the conversation list snapshot.
func (a *APIClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	var dtos []conversationDTO
	if err := a.get(ctx, "/chats", &dtos); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.entity())
	}
	return out, nil
}

// ListMessages fetches a conversation's message snapshot.
func (a *APIClient) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var dtos []messageDTO
	if err := a.get(ctx, fmt.Sprintf("/chats/%d/messages", conversationID), &dtos); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.entity())
	}
	return out, nil
}

// PostMessage creates a message and returns its confirmed form.
func (a *APIClient) PostMessage(ctx context.Context, conversationID int64, content string) (Message, error) {
	body := map[string]string{"content": content, "message_type": "text"}
	var dto messageDTO
	if err := a.send(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/messages", conversationID), body, &dto); err != nil {
		return Message{}, err
	}
	return dto.entity(), nil
}

// MarkConversationRead marks every message in a conversation read.
func (a *APIClient) MarkConversationRead(ctx context.Context, conversationID int64) error {
	return a.send(ctx, http.MethodPut, fmt.Sprintf("/chats/%d/mark-read", conversationID), nil, nil)
}

// ListNotifications fetches the notification snapshot.
func (a *APIClient) ListNotifications(ctx context.Context) ([]Notification, error) {
	var dtos []notificationDTO
	if err := a.get(ctx, "/notifications", &dtos); err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.entity())
	}
	return out, nil
}

// MarkNotificationRead marks one notification read.
func (a *APIClient) MarkNotificationRead(ctx context.Context, id int64) error {
	return a.send(ctx, http.MethodPut, fmt.Sprintf("/notifications/%d/read", id), nil, nil)
}

// MarkAllNotificationsRead marks every notification read.
func (a *APIClient) MarkAllNotificationsRead(ctx context.Context) error {
	return a.send(ctx, http.MethodPut, "/notifications/read-all", nil, nil)
}

// DeleteNotification removes one notification.
func (a *APIClient) DeleteNotification(ctx context.Context, id int64) error {
	return a.send(ctx, http.MethodDelete, fmt.Sprintf("/notifications/%d", id), nil, nil)
}

// ListComments fetches a task's comment thread.
func (a *APIClient) ListComments(ctx context.Context, taskID int64) ([]Comment, error) {
	var dtos []commentDTO
	if err := a.get(ctx, fmt.Sprintf("/tasks/%d/comments", taskID), &dtos); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.entity())
	}
	return out, nil
}

// PostComment creates a comment and returns its confirmed form.
func (a *APIClient) PostComment(ctx context.Context, taskID int64, body string) (Comment, error) {
	payload := map[string]string{"comment": body}
	var dto commentDTO
	if err := a.send(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/comments", taskID), payload, &dto); err != nil {
		return Comment{}, err
	}
	return dto.entity(), nil
}

func (a *APIClient) get(ctx context.Context, path string, into interface{}) error {
	return a.send(ctx, http.MethodGet, path, nil, into)
}

func (a *APIClient) send(ctx context.Context, method, path string, body, into interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
