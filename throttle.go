package taskwire

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action classes guarded against duplicate submission.
type ActionClass string

const (
	ActionSendMessage ActionClass = "send_message"
	ActionPostComment ActionClass = "post_comment"
)

var (
	// ErrInFlight means a write of the same class has started but not
	// yet reached a terminal response.
	ErrInFlight = errors.New("previous submission still in flight")
	// ErrThrottled means the per-class cooldown since the last
	// accepted submission has not elapsed.
	ErrThrottled = errors.New("submitting too quickly, try again in a moment")
)

// ThrottleGuard rejects duplicate user-initiated writes. Two guards
// compose per action class: an in-flight lock held from the start of a
// write until its terminal response, and a minimum-interval cooldown
// between accepted submissions. A rejection is a user-visible "try
// again" signal; the caller keeps the attempted content.
type ThrottleGuard struct {
	mu       sync.Mutex
	limiters map[ActionClass]*rate.Limiter
	inFlight map[ActionClass]bool
}

// NewThrottleGuard builds a guard with one cooldown per action class.
// Classes without an entry are unthrottled but still in-flight locked.
func NewThrottleGuard(cooldowns map[ActionClass]time.Duration) *ThrottleGuard {
	g := &ThrottleGuard{
		limiters: make(map[ActionClass]*rate.Limiter),
		inFlight: make(map[ActionClass]bool),
	}
	for class, cooldown := range cooldowns {
		if cooldown > 0 {
			g.limiters[class] = rate.NewLimiter(rate.Every(cooldown), 1)
		}
	}
	return g
}

// TryAcquire attempts to start a write of the given class. On success
// it returns a release function that MUST be called on every exit path
// of the guarded action, success or failure; defer it immediately.
// Releasing clears only the in-flight lock: the cooldown runs from the
// acquisition, independent of how long the write takes.
func (g *ThrottleGuard) TryAcquire(class ActionClass) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[class] {
		return nil, ErrInFlight
	}
	if limiter, ok := g.limiters[class]; ok && !limiter.Allow() {
		return nil, ErrThrottled
	}

	g.inFlight[class] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			g.inFlight[class] = false
			g.mu.Unlock()
		})
	}
	return release, nil
}

// InFlight reports whether a write of the class is currently running.
func (g *ThrottleGuard) InFlight(class ActionClass) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[class]
}
