package taskwire

import (
	"sync"
	"time"
)

const (
	// DefaultTypingTimeout removes a typing indicator that never got
	// an explicit stop event. This is the one place the engine
	// manufactures its own time-based cancellation.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultTypingEmitStop is how long after the last local
	// keystroke the engine emits a stop-typing frame on the user's
	// behalf.
	DefaultTypingEmitStop = 2 * time.Second
)

// TypingTracker maintains, per conversation, the display names of
// participants currently typing. An explicit stop event or the local
// timeout removes an entry, whichever happens first. All timers are
// tracked and cancelled on teardown so nothing fires against stale
// state.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	typing  map[int64]map[string]*time.Timer
	closed  bool
}

func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout: timeout,
		typing:  make(map[int64]map[string]*time.Timer),
	}
}

// Apply processes an inbound typing frame.
func (t *TypingTracker) Apply(conversationID int64, userName string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || userName == "" {
		return
	}

	names := t.typing[conversationID]
	if isTyping {
		if names == nil {
			names = make(map[string]*time.Timer)
			t.typing[conversationID] = names
		}
		if old, ok := names[userName]; ok {
			old.Stop()
		}
		names[userName] = time.AfterFunc(t.timeout, func() {
			t.expire(conversationID, userName)
		})
		return
	}

	if timer, ok := names[userName]; ok {
		timer.Stop()
		delete(names, userName)
		if len(names) == 0 {
			delete(t.typing, conversationID)
		}
	}
}

func (t *TypingTracker) expire(conversationID int64, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := t.typing[conversationID]
	if _, ok := names[userName]; !ok {
		return
	}
	delete(names, userName)
	if len(names) == 0 {
		delete(t.typing, conversationID)
	}
}

// Names returns who is typing in a conversation.
func (t *TypingTracker) Names(conversationID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.typing[conversationID]))
	for name := range t.typing[conversationID] {
		names = append(names, name)
	}
	return names
}

// ClearConversation drops all indicators for a conversation, e.g.
// when the user closes it.
func (t *TypingTracker) ClearConversation(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, timer := range t.typing[conversationID] {
		timer.Stop()
	}
	delete(t.typing, conversationID)
}

// Teardown cancels every pending timer. The tracker accepts no
// further updates.
func (t *TypingTracker) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, names := range t.typing {
		for _, timer := range names {
			timer.Stop()
		}
	}
	t.typing = make(map[int64]map[string]*time.Timer)
}
