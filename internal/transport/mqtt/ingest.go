// Package mqtt implements the MQTT-class ingest and egress clients on
// paho.mqtt.golang, with paho's own auto-reconnect disabled so the
// bridge's explicit state machine stays the single owner of connection
// lifecycle.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

// FrameHandler is called once per inbound frame, on the pipeline context.
// It must not block for long: the ingest client serializes frame handling
// so that a single topic's arrival order is preserved.
type FrameHandler func(context.Context, events.IngressEvent)

// Ingest is the MQTT-class Ingest Client.
type Ingest struct {
	cfg     config.MQTTConfig
	handler FrameHandler
	metrics *metrics.Registry
	log     *slog.Logger

	state    *transport.StateMachine
	backoff  *transport.BackoffSchedule
	watchdog *transport.Watchdog

	client mqttClient
	dial   func(*paho.ClientOptions) mqttClient
	frames chan pahoFrame
	closes chan error

	stopOnce chan struct{}
}

type pahoFrame struct {
	payload []byte
}

// NewIngest builds an Ingest client. idleTimeout of 0 disables the
// watchdog.
func NewIngest(cfg config.MQTTConfig, idleTimeout time.Duration, handler FrameHandler, reg *metrics.Registry, log *slog.Logger) *Ingest {
	in := &Ingest{
		cfg:      cfg,
		handler:  handler,
		metrics:  reg,
		log:      log,
		backoff:  transport.NewBackoffSchedule(),
		dial:     newPahoClient,
		frames:   make(chan pahoFrame, 64),
		closes:   make(chan error, 1),
		stopOnce: make(chan struct{}),
	}
	in.state = transport.NewStateMachine(func(s transport.State) {
		reg.ConnState.WithLabelValues("mqtt_ingest").Set(float64(s))
	})
	in.watchdog = transport.NewWatchdog(idleTimeout, func() {
		log.Warn("mqtt ingest idle timeout, forcing reconnect")
		select {
		case in.closes <- nil:
		default:
		}
	})
	return in
}

// Start launches the pump goroutine, which handles frames and reconnects
// until ctx is cancelled, then connects and returns once the client is
// Ready (or once Stop or ctx ends the backoff). Frames are delivered to
// handler on the pump goroutine, never from paho's internal callback
// thread (reentrancy rule).
func (in *Ingest) Start(ctx context.Context) {
	go in.pump(ctx)
	in.connect(ctx)
}

// pump is the single logical pipeline context: it serializes both inbound
// frame delivery and reconnect-on-close handling so that paho's
// connection-lost callback never touches state from the library's own
// goroutine.
func (in *Ingest) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in.frames:
			in.watchdog.Touch()
			evt, err := events.ParseFrame(f.payload, events.SourceMQTT, in.cfg.Topic, time.Now())
			if err != nil {
				in.metrics.EventsDropped.WithLabelValues("ingest_mqtt", "invalid_payload").Inc()
				in.log.Debug("mqtt ingest: malformed frame", "error", err)
				continue
			}
			in.handler(ctx, evt)
		case err := <-in.closes:
			if in.state.Get() == transport.Closing {
				continue
			}
			in.log.Warn("mqtt ingest connection lost", "error", err)
			in.watchdog.Disarm()
			if in.client != nil && in.client.IsConnected() {
				in.client.Disconnect(250)
			}
			in.backoffThenRetry(ctx)
		}
	}
}

func (in *Ingest) connect(ctx context.Context) {
	in.state.Set(transport.Connecting)

	opts := paho.NewClientOptions()
	scheme := "tcp"
	if in.cfg.SSL {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, in.cfg.Host, in.cfg.Port))
	opts.SetClientID(fmt.Sprintf("databridge-ingest-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(time.Duration(in.cfg.KeepaliveSecs) * time.Second)
	opts.SetAutoReconnect(false) // the bridge's own state machine owns reconnection
	opts.SetConnectTimeout(10 * time.Second)
	if in.cfg.Username != "" {
		opts.SetUsername(in.cfg.Username)
		opts.SetPassword(in.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case in.closes <- err:
		default:
		}
	})

	in.client = in.dial(opts)
	token := in.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		in.metrics.ReconnectTotal.WithLabelValues("mqtt_ingest", "connect_failed").Inc()
		in.backoffThenRetry(ctx)
		return
	}

	in.state.Set(transport.JoinedPending)
	subToken := in.client.Subscribe(in.cfg.Topic, in.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		select {
		case in.frames <- pahoFrame{payload: msg.Payload()}:
		default:
			in.log.Warn("mqtt ingest frame buffer full, dropping frame")
		}
	})
	if !subToken.WaitTimeout(10*time.Second) || subToken.Error() != nil {
		in.client.Disconnect(250)
		in.backoffThenRetry(ctx)
		return
	}

	in.state.Set(transport.Ready)
	in.backoff.Reset()
	in.watchdog.Arm()
}

func (in *Ingest) backoffThenRetry(ctx context.Context) {
	in.state.Set(transport.Backoff)
	delay := in.backoff.Next()
	select {
	case <-time.After(delay):
		if in.state.Get() != transport.Closing {
			in.connect(ctx)
		}
	case <-ctx.Done():
	case <-in.stopOnce:
	}
}

// Stop tears the connection down. Idempotent.
func (in *Ingest) Stop(ctx context.Context) error {
	if in.state.Get() == transport.Closing {
		return nil
	}
	in.state.Set(transport.Closing)
	in.watchdog.Disarm()
	close(in.stopOnce)
	if in.client != nil && in.client.IsConnected() {
		token := in.client.Unsubscribe(in.cfg.Topic)
		token.WaitTimeout(2 * time.Second)
		in.client.Disconnect(250)
	}
	return nil
}
