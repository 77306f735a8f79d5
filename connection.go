package taskwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnState is the push-channel lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
	dialTimeout        = 15 * time.Second
)

// Credentials identify the session on the push channel.
type Credentials struct {
	User  User
	Token string
}

// ConnectionManager owns the push-channel lifecycle: connect,
// authenticate, reconnect with exponential backoff, teardown. It is
// the only component that creates or destroys transports; everything
// downstream consumes the fan-in frame channel.
type ConnectionManager struct {
	factory     TransportFactory
	creds       Credentials
	backoffBase time.Duration
	backoffMax  time.Duration

	// onActive fires on each entry into Active; the session wires it
	// to an immediate reconciliation pass to close the offline gap.
	onActive func()
	// sessionValid gates reconnection. Attempts continue without
	// limit while it returns true.
	sessionValid func() bool

	mu          sync.Mutex
	state       ConnState
	transport   Transport
	attempt     int
	retryTimer  *time.Timer
	dialing     bool
	pumpRunning bool
	closed      bool

	frames chan Frame
}

func NewConnectionManager(factory TransportFactory, creds Credentials, base, max time.Duration) *ConnectionManager {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	return &ConnectionManager{
		factory:      factory,
		creds:        creds,
		backoffBase:  base,
		backoffMax:   max,
		sessionValid: func() bool { return true },
		frames:       make(chan Frame, 64),
	}
}

// SetOnActive registers the resynchronization hook. Must be called
// before Connect.
func (c *ConnectionManager) SetOnActive(fn func()) { c.onActive = fn }

// SetSessionValid registers the session-validity predicate (token not
// expired, user not logged out). Must be called before Connect.
func (c *ConnectionManager) SetSessionValid(fn func() bool) {
	if fn != nil {
		c.sessionValid = fn
	}
}

// Frames yields inbound frames across all transports, in strict
// arrival order per connection. Closed on teardown.
func (c *ConnectionManager) Frames() <-chan Frame { return c.frames }

// Send writes a frame on the active transport. Fails while the
// channel is anything but Active; callers treat that as a degraded,
// non-fatal condition (typing indicators simply don't go out).
func (c *ConnectionManager) Send(f Frame) error {
	c.mu.Lock()
	tr := c.transport
	state := c.state
	c.mu.Unlock()
	if state != StateActive || tr == nil {
		return fmt.Errorf("push channel %s, cannot send %s", state, f.Tag())
	}
	return tr.Send(f)
}

// State returns the current lifecycle state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect performs the first connection attempt. A failed attempt is
// not an error to the caller: the manager falls into Reconnecting and
// keeps trying on its own timer.
func (c *ConnectionManager) Connect() {
	c.dial()
}

// dial runs one connection attempt. Attempts never run concurrently:
// the dialing flag rejects overlap from a stray timer.
func (c *ConnectionManager) dial() {
	c.mu.Lock()
	if c.closed || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.state = StateConnecting
	c.mu.Unlock()

	tr := c.factory()
	err := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := tr.Connect(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		c.state = StateAuthenticating
		c.mu.Unlock()

		auth := AuthFrame{
			UserID: c.creds.User.ID,
			Name:   c.creds.User.Name,
			Role:   c.creds.User.Role,
		}
		if err := tr.Send(auth); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		return nil
	}()

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		tr.Close()
		return
	}
	if err != nil {
		c.mu.Unlock()
		tr.Close()
		logrus.WithError(err).Warn("push channel attempt failed")
		c.scheduleReconnect()
		return
	}

	c.transport = tr
	c.state = StateActive
	c.attempt = 0
	c.pumpRunning = true
	c.mu.Unlock()

	logrus.Infof("push channel active as %s", c.creds.User.Name)
	go c.pump(tr)

	if c.onActive != nil {
		c.onActive()
	}
}

// pump forwards one transport's frames until it dies.
func (c *ConnectionManager) pump(tr Transport) {
	for frame := range tr.Frames() {
		c.frames <- frame
	}

	c.mu.Lock()
	c.pumpRunning = false
	c.transport = nil
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		close(c.frames)
		return
	}
	c.mu.Unlock()

	if err := tr.Err(); err != nil {
		logrus.WithError(err).Warn("push channel dropped")
	}
	c.scheduleReconnect()
}

func (c *ConnectionManager) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.sessionValid() {
		logrus.Warn("session no longer valid, giving up on push channel")
		c.state = StateDisconnected
		return
	}

	delay := backoffDelay(c.attempt, c.backoffBase, c.backoffMax)
	c.attempt++
	c.state = StateReconnecting
	logrus.Infof("reconnecting push channel in %s (attempt %d)", delay, c.attempt)

	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, c.dial)
}

// Teardown cancels any pending reconnect and closes the transport.
// Idempotent; terminal.
func (c *ConnectionManager) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	tr := c.transport
	pumping := c.pumpRunning
	if !pumping {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	if !pumping {
		// No pump to notice the close; release consumers ourselves.
		close(c.frames)
	}
}

// backoffDelay returns the delay before reconnect attempt n (0-based):
// base, 2*base, 4*base, ... capped at max. Non-decreasing across
// consecutive failures; the counter resets after one successful
// connection.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
