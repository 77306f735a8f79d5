package taskwire

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maintenanceInterval = 30 * time.Second

// Session owns one user's live view of chats, notifications and task
// comments, and keeps it consistent across the initial fetch, the
// poll, the push channel and the user's own optimistic writes.
type Session struct {
	Self User

	cfg      *Config
	api      *APIClient
	dedup    *DedupStore
	throttle *ThrottleGuard
	chats    *ChatStateStore
	notices  *NotificationCenter
	comments *CommentStore
	presence *PresenceTracker
	typing   *TypingTracker
	router   *EventRouter
	conn     *ConnectionManager
	sched    *ReconciliationScheduler

	alerts chan Alert

	mu           sync.Mutex
	typingConv   int64
	typingTimer  *time.Timer
	maintDone    chan struct{}
	teardownOnce sync.Once
}

// NewSession wires the components together. The transport factory
// decides the push channel (websocket or MQTT); everything downstream
// is transport-agnostic.
func NewSession(cfg *Config, self User, api *APIClient, factory TransportFactory) *Session {
	s := &Session{
		Self:      self,
		cfg:       cfg,
		api:       api,
		dedup:     NewDedupStore(cfg.Engine.TransientTTL),
		chats:     NewChatStateStore(self.ID),
		notices:   NewNotificationCenter(),
		comments:  NewCommentStore(),
		presence:  NewPresenceTracker(),
		typing:    NewTypingTracker(cfg.Engine.TypingTimeout),
		alerts:    make(chan Alert, 16),
		maintDone: make(chan struct{}),
	}
	s.throttle = NewThrottleGuard(map[ActionClass]time.Duration{
		ActionSendMessage: cfg.Engine.MessageCooldown,
		ActionPostComment: cfg.Engine.CommentCooldown,
	})
	s.router = NewEventRouter(self, s.dedup, s.chats, s.notices, s.presence, s.typing,
		cfg.Notify.AssigneeOnly)
	s.sched = NewReconciliationScheduler(api, s.chats, s.notices, s.comments,
		cfg.Engine.PollInterval)
	s.conn = NewConnectionManager(factory, Credentials{User: self, Token: api.Token()},
		cfg.Engine.BackoffBase, cfg.Engine.BackoffMax)

	// Entering Active closes the gap accumulated while disconnected.
	s.conn.SetOnActive(s.sched.ForceSync)
	s.conn.SetSessionValid(func() bool { return api.SessionValid(time.Now()) })
	s.router.SetOnMissingConversation(func(int64) { s.sched.ForceSync() })
	s.router.SetOnAlert(s.pushAlert)
	return s
}

// Start connects the push channel and begins polling. A failed first
// connection is not fatal: the session degrades to poll-only while the
// ConnectionManager retries with backoff.
func (s *Session) Start() {
	s.conn.Connect()
	go s.routeLoop()
	go s.sched.Run()
	go s.maintenanceLoop()
}

// routeLoop feeds the router from the connection's fan-in channel,
// preserving per-connection arrival order.
func (s *Session) routeLoop() {
	for frame := range s.conn.Frames() {
		s.router.Route(frame)
	}
}

func (s *Session) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.maintDone:
			return
		case <-ticker.C:
			if evicted := s.dedup.Sweep(); evicted > 0 {
				logrus.Debugf("swept %d expired dedup keys", evicted)
			}
		}
	}
}

func (s *Session) pushAlert(a Alert) {
	select {
	case s.alerts <- a:
	default:
		logrus.Debug("alert channel full, dropping alert")
	}
}

// Alerts yields the engine's attention-worthy admissions (new
// messages, notifications). The consumer decides how to render them.
func (s *Session) Alerts() <-chan Alert { return s.alerts }

// Accessors for the observable state.

func (s *Session) Chats() *ChatStateStore             { return s.chats }
func (s *Session) Notifications() *NotificationCenter { return s.notices }
func (s *Session) Comments() *CommentStore            { return s.comments }
func (s *Session) Presence() *PresenceTracker         { return s.presence }
func (s *Session) TypingNames(conversationID int64) []string {
	return s.typing.Names(conversationID)
}
func (s *Session) ConnState() ConnState { return s.conn.State() }

// SendMessage performs the full optimistic write: throttle check,
// local pending apply, REST POST, promotion on the confirmed echo.
// On any rejection the error carries a user-facing reason and the
// caller still holds the content for resubmission; user intent is
// never silently dropped.
func (s *Session) SendMessage(ctx context.Context, conversationID int64, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("empty message")
	}

	release, err := s.throttle.TryAcquire(ActionSendMessage)
	if err != nil {
		return Message{}, err
	}
	defer release()

	pending := Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.Self.ID,
		SenderName:     s.Self.Name,
		Content:        content,
		CreatedAt:      time.Now(),
		Read:           true,
		Pending:        true,
	}
	s.chats.AppendPending(pending)
	s.stopTypingNow()

	confirmed, err := s.api.PostMessage(ctx, conversationID, content)
	if err != nil {
		s.chats.DropPending(conversationID, pending.LocalID)
		return Message{}, fmt.Errorf("message not sent: %w", err)
	}
	confirmed.Read = true

	// Admitting the confirmed id here makes the push echo a no-op.
	s.dedup.Admit(MessageKey(conversationID, confirmed.ID))
	s.chats.PromotePending(conversationID, pending.LocalID, confirmed)
	return confirmed, nil
}

// PostComment is the comment-side optimistic write.
func (s *Session) PostComment(ctx context.Context, taskID int64, body string) (Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Comment{}, fmt.Errorf("empty comment")
	}

	release, err := s.throttle.TryAcquire(ActionPostComment)
	if err != nil {
		return Comment{}, err
	}
	defer release()

	pending := Comment{
		LocalID:    uuid.NewString(),
		TaskID:     taskID,
		AuthorID:   s.Self.ID,
		AuthorName: s.Self.Name,
		Body:       body,
		CreatedAt:  time.Now(),
		Pending:    true,
	}
	s.comments.AppendPending(pending)

	confirmed, err := s.api.PostComment(ctx, taskID, body)
	if err != nil {
		s.comments.DropPending(taskID, pending.LocalID)
		return Comment{}, fmt.Errorf("comment not posted: %w", err)
	}

	// Our own comment's broadcast must never resurface as a
	// notification, even before the router's self check.
	s.dedup.AdmitTransient(CommentNoticeKey(taskID, s.Self.ID, confirmed.ID, confirmed.CreatedAt))
	s.comments.PromotePending(taskID, pending.LocalID, confirmed)
	return confirmed, nil
}

// OpenConversation marks a conversation as the active view, reads it,
// and forces a reconciliation pass for its messages.
func (s *Session) OpenConversation(ctx context.Context, conversationID int64) {
	s.chats.SetActive(conversationID)
	s.sched.Resume()
	if err := s.api.MarkConversationRead(ctx, conversationID); err != nil {
		logrus.WithError(err).Warn("mark-read failed, will settle on next pass")
	}
	s.sched.ForceSync()
}

// CloseConversation leaves the active view.
func (s *Session) CloseConversation() {
	conversationID := s.chats.Active()
	s.chats.SetActive(0)
	if conversationID != 0 {
		s.typing.ClearConversation(conversationID)
		s.stopTypingNow()
	}
}

// MarkConversationRead reads a conversation without opening it.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID int64) error {
	if err := s.api.MarkConversationRead(ctx, conversationID); err != nil {
		return err
	}
	s.chats.MarkRead(conversationID)
	return nil
}

// NotifyTyping reports local keystrokes. It emits a start frame and
// arms a stop frame for when the user pauses; the timer renews on
// every call.
func (s *Session) NotifyTyping(conversationID int64) {
	frame := TypingFrame{
		ConversationID: conversationID,
		UserID:         s.Self.ID,
		UserName:       s.Self.Name,
		IsTyping:       true,
	}
	if err := s.conn.Send(frame); err != nil {
		logrus.WithError(err).Debug("typing indicator not sent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingConv = conversationID
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingEmitStop(), s.stopTypingNow)
}

func (s *Session) typingEmitStop() time.Duration {
	if d := s.cfg.Engine.TypingEmitStop; d > 0 {
		return d
	}
	return DefaultTypingEmitStop
}

// stopTypingNow emits the stop frame and cancels the pending timer.
func (s *Session) stopTypingNow() {
	s.mu.Lock()
	conversationID := s.typingConv
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingConv = 0
	s.mu.Unlock()

	if conversationID == 0 {
		return
	}
	frame := TypingFrame{
		ConversationID: conversationID,
		UserID:         s.Self.ID,
		UserName:       s.Self.Name,
		IsTyping:       false,
	}
	if err := s.conn.Send(frame); err != nil {
		logrus.WithError(err).Debug("stop-typing indicator not sent")
	}
}

// MarkNotificationRead reads one notification.
func (s *Session) MarkNotificationRead(ctx context.Context, id int64) error {
	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	s.notices.MarkRead(id)
	return nil
}

// MarkAllNotificationsRead reads all notifications.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	s.notices.MarkAllRead()
	return nil
}

// DeleteNotification removes a notification everywhere, releasing its
// admission key so a server-side re-creation is admissible.
func (s *Session) DeleteNotification(ctx context.Context, id int64) error {
	if err := s.api.DeleteNotification(ctx, id); err != nil {
		return err
	}
	s.notices.Delete(id)
	s.dedup.Forget(NotificationKey(id))
	return nil
}

// OpenTask starts reconciling a task's comment thread (its detail
// view opened).
func (s *Session) OpenTask(taskID int64) {
	s.sched.WatchTask(taskID)
	s.sched.ForceSync()
}

// CloseTask stops reconciling a task's comments.
func (s *Session) CloseTask(taskID int64) {
	s.sched.UnwatchTask(taskID)
}

// SuspendViews pauses polling while no chat/notification view is
// visible; push frames still apply.
func (s *Session) SuspendViews() { s.sched.Suspend() }

// ResumeViews resumes polling.
func (s *Session) ResumeViews() { s.sched.Resume() }

// SyncNow runs one synchronous reconciliation pass, e.g. for the
// initial load before any tick.
func (s *Session) SyncNow(ctx context.Context) error {
	return s.sched.SyncNow(ctx)
}

// SetupCloseHandler tears the session down on SIGINT/SIGTERM.
func (s *Session) SetupCloseHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Info("👋 shutting down")
		s.Teardown()
		os.Exit(0)
	}()
}

// Teardown stops every timer and goroutine and closes the push
// channel. Idempotent; the session is unusable afterwards.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.conn.Teardown()
		s.sched.Stop()
		s.typing.Teardown()
		close(s.maintDone)

		s.mu.Lock()
		if s.typingTimer != nil {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		s.typingConv = 0
		s.mu.Unlock()

		logrus.Infof("session for %s torn down", s.Self.Name)
	})
}
