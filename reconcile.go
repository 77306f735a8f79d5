package taskwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// DefaultPollInterval is how often the scheduler fetches authoritative
// snapshots while the view is active.
const DefaultPollInterval = 30 * time.Second

// promotionSlack is how far a server-confirmed timestamp may precede a
// pending entity's local timestamp and still count as its confirmation
// (clocks differ between client and backend).
const promotionSlack = 2 * time.Minute

// ReconciliationScheduler periodically fetches authoritative snapshots
// and merges them into live state without regressing optimistic or
// push-delivered state. Suspended entirely while no relevant view is
// active. A content hash per scope suppresses no-op replacements so
// downstream observers don't flicker.
type ReconciliationScheduler struct {
	api      *APIClient
	chats    *ChatStateStore
	notices  *NotificationCenter
	comments *CommentStore
	interval time.Duration

	mu         sync.Mutex
	suspended  bool
	watchTasks map[int64]struct{}
	lastHash   map[string][32]byte

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewReconciliationScheduler(api *APIClient, chats *ChatStateStore,
	notices *NotificationCenter, comments *CommentStore, interval time.Duration) *ReconciliationScheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &ReconciliationScheduler{
		api:        api,
		chats:      chats,
		notices:    notices,
		comments:   comments,
		interval:   interval,
		watchTasks: make(map[int64]struct{}),
		lastHash:   make(map[string][32]byte),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run drives the periodic ticks until Stop. Call in a goroutine.
func (r *ReconciliationScheduler) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.tick()
		case <-r.kick:
			r.tick()
		}
	}
}

// ForceSync requests an immediate pass without waiting for the next
// tick. Non-blocking; coalesces with a pass already requested.
func (r *ReconciliationScheduler) ForceSync() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Suspend pauses polling while no relevant view is active.
func (r *ReconciliationScheduler) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = true
}

// Resume restarts polling.
func (r *ReconciliationScheduler) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = false
}

// WatchTask adds a task whose comment thread should reconcile each
// pass (its detail view is open).
func (r *ReconciliationScheduler) WatchTask(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchTasks[taskID] = struct{}{}
}

// UnwatchTask stops reconciling a task's comments.
func (r *ReconciliationScheduler) UnwatchTask(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchTasks, taskID)
}

// Stop ends the run loop. Idempotent.
func (r *ReconciliationScheduler) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *ReconciliationScheduler) tick() {
	r.mu.Lock()
	suspended := r.suspended
	r.mu.Unlock()
	if suspended {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.SyncNow(ctx); err != nil {
		// Poll failures degrade gracefully; push keeps flowing and
		// the next tick retries.
		logrus.WithError(err).Warn("reconciliation pass failed")
	}
}

// SyncNow performs one full reconciliation pass synchronously.
func (r *ReconciliationScheduler) SyncNow(ctx context.Context) error {
	if err := r.syncConversations(ctx); err != nil {
		return err
	}
	if active := r.chats.Active(); active != 0 {
		if err := r.syncMessages(ctx, active); err != nil {
			return err
		}
	}
	if err := r.syncNotifications(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	tasks := make([]int64, 0, len(r.watchTasks))
	for id := range r.watchTasks {
		tasks = append(tasks, id)
	}
	r.mu.Unlock()
	for _, taskID := range tasks {
		if err := r.syncComments(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

// Each syncX pass captures the store version before the fetch and
// hands it to the store's ReplaceIfUnchanged: a push admitted anywhere
// between the capture and the write means the merge was computed from
// a stale read, and the write is skipped rather than allowed to wipe
// push-delivered state. The skipped scope's hash stays unrecorded so
// the next pass re-merges instead of suppressing.

func (r *ReconciliationScheduler) syncConversations(ctx context.Context) error {
	version := r.chats.Version()
	fetched, err := r.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("conversation snapshot: %w", err)
	}
	merged := mergeConversations(r.chats.Conversations(), fetched, r.chats.Active())
	hash := hashConversations(merged)
	if !r.changed("convs", hash) {
		return nil
	}
	if !r.chats.ReplaceConversationsIfUnchanged(merged, version) {
		logrus.Debug("conversation merge raced a store update, retrying next pass")
		return nil
	}
	r.recordHash("convs", hash)
	return nil
}

func (r *ReconciliationScheduler) syncMessages(ctx context.Context, conversationID int64) error {
	version := r.chats.Version()
	fetched, err := r.api.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("message snapshot for %d: %w", conversationID, err)
	}
	merged := mergeMessages(r.chats.Messages(conversationID), fetched)
	scope := fmt.Sprintf("msgs:%d", conversationID)
	hash := hashMessages(merged)
	if !r.changed(scope, hash) {
		return nil
	}
	if !r.chats.ReplaceMessagesIfUnchanged(conversationID, merged, version) {
		logrus.Debugf("message merge for %d raced a push, retrying next pass", conversationID)
		return nil
	}
	r.recordHash(scope, hash)
	return nil
}

func (r *ReconciliationScheduler) syncNotifications(ctx context.Context) error {
	version := r.notices.Version()
	fetched, err := r.api.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("notification snapshot: %w", err)
	}
	merged := mergeNotifications(r.notices.List(), fetched)
	hash := hashNotifications(merged)
	if !r.changed("notices", hash) {
		return nil
	}
	if !r.notices.ReplaceIfUnchanged(merged, version) {
		logrus.Debug("notification merge raced a push, retrying next pass")
		return nil
	}
	r.recordHash("notices", hash)
	return nil
}

func (r *ReconciliationScheduler) syncComments(ctx context.Context, taskID int64) error {
	version := r.comments.Version()
	fetched, err := r.api.ListComments(ctx, taskID)
	if err != nil {
		return fmt.Errorf("comment snapshot for task %d: %w", taskID, err)
	}
	merged := mergeComments(r.comments.Thread(taskID), fetched)
	scope := fmt.Sprintf("comments:%d", taskID)
	hash := hashComments(merged)
	if !r.changed(scope, hash) {
		return nil
	}
	if !r.comments.ReplaceIfUnchanged(taskID, merged, version) {
		logrus.Debugf("comment merge for task %d raced a push, retrying next pass", taskID)
		return nil
	}
	r.recordHash(scope, hash)
	return nil
}

// changed reports whether the merged result differs from the last
// applied pass for the scope.
func (r *ReconciliationScheduler) changed(scope string, hash [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.lastHash[scope]
	return !ok || prev != hash
}

func (r *ReconciliationScheduler) recordHash(scope string, hash [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHash[scope] = hash
}

// --- merge algorithms ---

// mergeConversations: conversations only ever exist server-side, so
// the fetched set wins wholesale. The one piece of unconfirmed local
// state is the active conversation's locally-zeroed unread counter,
// preserved while the mark-read write may still be in flight.
func mergeConversations(local, fetched []Conversation, activeID int64) []Conversation {
	localByID := make(map[int64]Conversation, len(local))
	for _, c := range local {
		localByID[c.ID] = c
	}
	out := make([]Conversation, 0, len(fetched))
	for _, c := range fetched {
		if c.ID == activeID {
			c.Unread = 0
		}
		if prev, ok := localByID[c.ID]; ok && prev.LastActivity.After(c.LastActivity) {
			// A pushed message already advanced this conversation past
			// the snapshot; don't regress its position.
			c.LastActivity = prev.LastActivity
			c.Snippet = prev.Snippet
		}
		out = append(out, c)
	}
	return out
}

// mergeMessages builds the identity-preserving union of the local
// sequence and a fetched snapshot. Fetched is authoritative for every
// field except a local read flag not yet confirmed; local confirmed
// messages absent from the snapshot are removed; pending messages are
// preserved, promoted in place when the snapshot contains their
// confirmation.
func mergeMessages(local, fetched []Message) []Message {
	localByID := make(map[int64]Message, len(local))
	var pending []Message
	for _, m := range local {
		if m.Pending {
			pending = append(pending, m)
			continue
		}
		localByID[m.ID] = m
	}

	out := make([]Message, 0, len(fetched)+len(pending))
	for _, m := range fetched {
		if prev, ok := localByID[m.ID]; ok && prev.Read {
			m.Read = true
		}
		out = append(out, m)
	}

	for _, p := range pending {
		if confirmedMatch(out, p) {
			continue // promoted: the snapshot already carries it
		}
		out = insertByTime(out, p)
	}
	return out
}

// confirmedMatch reports whether a pending message's confirmation is
// already present in the merged sequence.
func confirmedMatch(seq []Message, p Message) bool {
	for _, m := range seq {
		if m.SenderID == p.SenderID && m.Content == p.Content &&
			m.CreatedAt.After(p.CreatedAt.Add(-promotionSlack)) {
			return true
		}
	}
	return false
}

// mergeNotifications: fetched wins for server-backed entries; local
// read flags are kept (mark-read may be in flight); locally
// synthesized entries survive since no snapshot will ever contain
// them.
func mergeNotifications(local, fetched []Notification) []Notification {
	localByID := make(map[int64]Notification, len(local))
	var synthesized []Notification
	for _, n := range local {
		if n.Local {
			synthesized = append(synthesized, n)
			continue
		}
		localByID[n.ID] = n
	}

	out := make([]Notification, 0, len(fetched)+len(synthesized))
	for _, n := range fetched {
		if prev, ok := localByID[n.ID]; ok && prev.Read {
			n.Read = true
		}
		out = append(out, n)
	}
	out = append(out, synthesized...)
	return out
}

// mergeComments mirrors mergeMessages for task comment threads.
func mergeComments(local, fetched []Comment) []Comment {
	var pending []Comment
	for _, c := range local {
		if c.Pending {
			pending = append(pending, c)
		}
	}

	out := make([]Comment, 0, len(fetched)+len(pending))
	out = append(out, fetched...)

	for _, p := range pending {
		promoted := false
		for _, c := range out {
			if c.AuthorID == p.AuthorID && c.Body == p.Body &&
				c.CreatedAt.After(p.CreatedAt.Add(-promotionSlack)) {
				promoted = true
				break
			}
		}
		if !promoted {
			out = insertCommentByTime(out, p)
		}
	}
	return out
}

// --- content hashing (change suppression) ---

func hashConversations(list []Conversation) [32]byte {
	h := blake3.New()
	for _, c := range list {
		fmt.Fprintf(h, "%d|%s|%s|%d|%d\n", c.ID, c.Kind, c.Snippet, c.Unread, c.LastActivity.UnixNano())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func hashMessages(seq []Message) [32]byte {
	h := blake3.New()
	for _, m := range seq {
		fmt.Fprintf(h, "%d|%s|%d|%s|%t|%d\n", m.ID, m.LocalID, m.SenderID, m.Content, m.Read, m.CreatedAt.UnixNano())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func hashNotifications(list []Notification) [32]byte {
	h := blake3.New()
	for _, n := range list {
		fmt.Fprintf(h, "%d|%s|%t|%d\n", n.ID, n.Kind, n.Read, n.CreatedAt.UnixNano())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func hashComments(thread []Comment) [32]byte {
	h := blake3.New()
	for _, c := range thread {
		fmt.Fprintf(h, "%d|%s|%d|%s|%d\n", c.ID, c.LocalID, c.AuthorID, c.Body, c.CreatedAt.UnixNano())
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
