package taskwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTT topic layout for broker-backed deployments: the backend
// publishes a user's push frames to events/<userId>, and the client
// publishes its own frames (authenticate, typing) to outbox/<userId>.
const (
	mqttEventTopicFmt  = "taskwire/users/%d/events"
	mqttOutboxTopicFmt = "taskwire/users/%d/outbox"
)

// MQTTTransport is the alternate push channel for deployments that
// fan out events through an MQTT broker instead of a direct websocket.
// Broker reconnection is left to the ConnectionManager: auto-reconnect
// is off so every attempt is a fresh transport under our own backoff.
type MQTTTransport struct {
	broker   string
	clientID string
	user     string
	pass     string
	userID   int64

	mu     sync.Mutex
	client mqtt.Client
	frames chan Frame
	err    error
	closed bool
}

func NewMQTTTransport(broker, clientID, user, pass string, userID int64) *MQTTTransport {
	return &MQTTTransport{
		broker:   broker,
		clientID: clientID,
		user:     user,
		pass:     pass,
		userID:   userID,
		frames:   make(chan Frame, 64),
	}
}

// NewMQTTFactory returns a TransportFactory for the given broker.
func NewMQTTFactory(broker, clientID, user, pass string, userID int64) TransportFactory {
	return func() Transport {
		return NewMQTTTransport(broker, clientID, user, pass, userID)
	}
}

func (t *MQTTTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID(t.clientID)
	opts.SetUsername(t.user)
	opts.SetPassword(t.pass)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(t.onConnectionLost)

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(waitBudget(ctx)) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect to %s: timeout", t.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", t.broker, err)
	}

	topic := fmt.Sprintf(mqttEventTopicFmt, t.userID)
	sub := client.Subscribe(topic, 1, t.onMessage)
	if sub.Wait() && sub.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", topic, sub.Error())
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		client.Disconnect(250)
		return fmt.Errorf("transport closed during dial")
	}
	t.client = client
	t.mu.Unlock()
	return nil
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	frame, err := DecodeFrame(msg.Payload())
	if err != nil {
		logrus.WithError(err).Warnf("dropping malformed frame on %s", msg.Topic())
		return
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.frames <- frame
}

func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	logrus.WithError(err).Warn("mqtt connection lost")
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	t.mu.Unlock()
	close(t.frames)
}

func (t *MQTTTransport) Send(f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	client := t.client
	closed := t.closed
	t.mu.Unlock()
	if client == nil || closed {
		return fmt.Errorf("mqtt not connected")
	}

	topic := fmt.Sprintf(mqttOutboxTopicFmt, t.userID)
	token := client.Publish(topic, 1, false, raw)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

func (t *MQTTTransport) Frames() <-chan Frame { return t.frames }

func (t *MQTTTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	close(t.frames)
	return nil
}

// waitBudget converts a context deadline into the WaitTimeout budget
// paho expects, defaulting to 10s when the context has none.
func waitBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 10 * time.Second
}
