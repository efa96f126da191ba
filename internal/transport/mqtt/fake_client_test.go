package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a pre-resolved mqttToken: every call this package makes
// immediately waits on a broker round trip, so there's no need to model
// paho's async completion channel.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublish struct {
	topic string
	body  []byte
}

// fakeBroker is shared state across every fakeClient a test's dial func
// hands out, so reconnects (which build a fresh client) still record
// against one call history.
type fakeBroker struct {
	mu sync.Mutex

	connectErr      error
	publishFailures int // number of subsequent Publish calls to fail before succeeding

	connects    int
	disconnects int
	subscribes  int
	publishes   []fakePublish
}

func (b *fakeBroker) dial(*paho.ClientOptions) mqttClient {
	return &fakeClient{broker: b}
}

func (b *fakeBroker) setConnectErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

func (b *fakeBroker) failNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFailures = n
}

func (b *fakeBroker) nextPublishErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishFailures > 0 {
		b.publishFailures--
		return errors.New("fake publish failure")
	}
	return nil
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) subscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishes)
}

func (b *fakeBroker) publishTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.publishes))
	for i, p := range b.publishes {
		out[i] = p.topic
	}
	return out
}

// fakeClient is one connection instance. Each call to fakeBroker.dial
// produces a new one, mirroring how the egress client replaces e.client on
// every (re)connect.
type fakeClient struct {
	broker *fakeBroker

	mu        sync.Mutex
	connected bool
}

func (c *fakeClient) Connect() mqttToken {
	c.broker.mu.Lock()
	err := c.broker.connectErr
	c.broker.connects++
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = err == nil
	c.mu.Unlock()
	return &fakeToken{err: err}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload any) mqttToken {
	body, _ := payload.([]byte)
	err := c.broker.nextPublishErr()

	c.broker.mu.Lock()
	c.broker.publishes = append(c.broker.publishes, fakePublish{topic: topic, body: body})
	c.broker.mu.Unlock()

	return &fakeToken{err: err}
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ paho.MessageHandler) mqttToken {
	c.broker.mu.Lock()
	c.broker.subscribes++
	c.broker.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) mqttToken {
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.broker.mu.Lock()
	c.broker.disconnects++
	c.broker.mu.Unlock()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
