package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// mqttToken narrows paho.Token to the three calls the egress client makes,
// so tests can fake a broker round trip without pulling in paho's full
// token machinery.
type mqttToken interface {
	Wait() bool
	WaitTimeout(timeout time.Duration) bool
	Error() error
}

// mqttClient narrows paho.Client to what the ingest and egress clients
// call, so a test fake only has to implement six methods instead of the
// full upstream surface.
type mqttClient interface {
	Connect() mqttToken
	Publish(topic string, qos byte, retained bool, payload any) mqttToken
	Subscribe(topic string, qos byte, callback paho.MessageHandler) mqttToken
	Unsubscribe(topics ...string) mqttToken
	Disconnect(quiesce uint)
	IsConnected() bool
}

func newPahoClient(opts *paho.ClientOptions) mqttClient {
	return pahoClientAdapter{paho.NewClient(opts)}
}

// pahoClientAdapter adapts a real paho.Client to mqttClient. paho.Token
// already implements mqttToken structurally, so no per-call wrapping is
// needed beyond the method set conversion.
type pahoClientAdapter struct {
	c paho.Client
}

func (a pahoClientAdapter) Connect() mqttToken { return a.c.Connect() }

func (a pahoClientAdapter) Publish(topic string, qos byte, retained bool, payload any) mqttToken {
	return a.c.Publish(topic, qos, retained, payload)
}

func (a pahoClientAdapter) Subscribe(topic string, qos byte, callback paho.MessageHandler) mqttToken {
	return a.c.Subscribe(topic, qos, callback)
}

func (a pahoClientAdapter) Unsubscribe(topics ...string) mqttToken {
	return a.c.Unsubscribe(topics...)
}

func (a pahoClientAdapter) Disconnect(quiesce uint) { a.c.Disconnect(quiesce) }

func (a pahoClientAdapter) IsConnected() bool { return a.c.IsConnected() }
