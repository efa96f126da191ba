package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/deliverylog"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/metrics"
	"github.com/fieldbridge/databridge/pkg/resilience"
)

// publishRateLimit paces outbound Publish calls so a large fan-out across
// many devices can't overrun the broker's own ingestion rate.
const (
	publishRateLimit = 200 // calls/sec
	publishBurst     = 50
)

// Egress is the MQTT-class Egress Client: one persistent connection,
// publish-per-device, forced-reconnect-and-retry on send failure. A token
// bucket paces the publish rate and a circuit breaker sits behind it so a
// broker that is clearly down fails sends immediately instead of paying the
// full connect timeout on every device in a large fan-out.
type Egress struct {
	cfg     config.MQTTConfig
	log     deliverylogSink
	metrics *metrics.Registry
	logger  *slog.Logger

	state    *transport.StateMachine
	backoff  *transport.BackoffSchedule
	watchdog *transport.Watchdog
	breaker  *resilience.Breaker
	limiter  *resilience.Limiter

	sendMu sync.Mutex // serializes publishes on the shared connection
	client mqttClient
	dial   func(*paho.ClientOptions) mqttClient

	closes       chan error
	reconnecting sync.Mutex // guards against parallel reconnect loops
}

// deliverylogSink is the subset of *deliverylog.Log the egress client needs,
// narrowed to keep this package's test doubles small.
type deliverylogSink interface {
	Record(events.DeliveryRecord)
}

var _ deliverylogSink = (*deliverylog.Log)(nil)

// NewEgress builds an Egress client. idleTimeout of 0 disables the
// watchdog; the supervisor passes 90s.
func NewEgress(cfg config.MQTTConfig, idleTimeout time.Duration, log deliverylogSink, reg *metrics.Registry, logger *slog.Logger) *Egress {
	e := &Egress{
		cfg:     cfg,
		log:     log,
		metrics: reg,
		logger:  logger,
		backoff: transport.NewBackoffSchedule(),
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: 5,
			Timeout:       15 * time.Second,
			HalfOpenMax:   1,
		}),
		limiter: resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  publishRateLimit,
			Burst: publishBurst,
		}),
		closes: make(chan error, 1),
		dial:   newPahoClient,
	}
	e.state = transport.NewStateMachine(func(s transport.State) {
		reg.ConnState.WithLabelValues("mqtt_egress").Set(float64(s))
	})
	e.watchdog = transport.NewWatchdog(idleTimeout, func() {
		logger.Warn("mqtt egress idle timeout, forcing reconnect")
		e.reconnect()
	})
	return e
}

// Start opens the persistent connection. Must be called before Send.
func (e *Egress) Start(ctx context.Context) error {
	go e.closeWatcher(ctx)
	return e.connect(ctx)
}

// closeWatcher does the reconnect work for connection-lost events on its
// own goroutine; paho's callback only hands the error off.
func (e *Egress) closeWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-e.closes:
			if e.state.Get() == transport.Closing {
				continue
			}
			e.logger.Warn("mqtt egress connection lost", "error", err)
			e.reconnect()
		}
	}
}

func (e *Egress) connect(ctx context.Context) error {
	e.state.Set(transport.Connecting)

	scheme := "tcp"
	if e.cfg.SSL {
		scheme = "ssl"
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, e.cfg.Host, e.cfg.Port))
	opts.SetClientID(fmt.Sprintf("databridge-egress-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(time.Duration(e.cfg.KeepaliveSecs) * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case e.closes <- err:
		default:
		}
	})

	e.sendMu.Lock()
	e.client = e.dial(opts)
	client := e.client
	e.sendMu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		e.metrics.ReconnectTotal.WithLabelValues("mqtt_egress", "connect_failed").Inc()
		e.scheduleReconnect(ctx)
		return token.Error()
	}

	e.state.Set(transport.Ready)
	e.backoff.Reset()
	e.watchdog.Arm()
	return nil
}

func (e *Egress) scheduleReconnect(ctx context.Context) {
	e.state.Set(transport.Backoff)
	delay := e.backoff.Next()
	go func() {
		select {
		case <-time.After(delay):
			if e.state.Get() != transport.Closing {
				e.connect(ctx)
			}
		case <-ctx.Done():
		}
	}()
}

// reconnect triggers the reconnect loop; concurrent triggers collapse
// into the one already running.
func (e *Egress) reconnect() {
	if !e.reconnecting.TryLock() {
		return
	}
	defer e.reconnecting.Unlock()
	if e.state.Get() == transport.Closing {
		return
	}
	e.watchdog.Disarm()
	e.state.Set(transport.Backoff)
	delay := e.backoff.Next()
	time.Sleep(delay)
	e.connect(context.Background())
}

// Send publishes the resolved event to every member device, in catalog
// order, recording a DeliveryRecord per successful send.
func (e *Egress) Send(ctx context.Context, r *events.ResolvedEvent) {
	for _, device := range r.Devices {
		e.sendOne(ctx, r, device)
	}
}

func (e *Egress) sendOne(ctx context.Context, r *events.ResolvedEvent, device string) {
	payload := events.NewEgressPayload(r, time.Now())
	body, err := payload.MarshalJSON()
	if err != nil {
		e.metrics.SendsFailed.WithLabelValues("mqtt").Inc()
		return
	}
	topic := deviceTopic(device)

	if e.publish(ctx, topic, body) {
		e.watchdog.Touch()
		e.metrics.SendsOK.WithLabelValues("mqtt").Inc()
		e.log.Record(events.DeliveryRecord{
			TraceID:   r.TraceID,
			DeviceID:  device,
			Object:    r.Object,
			Value:     r.Value,
			Timestamp: time.Now(),
		})
		return
	}

	// Per-send retry: one forced reconnect, one retry.
	e.reconnect()
	if e.publish(ctx, topic, body) {
		e.watchdog.Touch()
		e.metrics.SendsOK.WithLabelValues("mqtt").Inc()
		e.log.Record(events.DeliveryRecord{
			TraceID:   r.TraceID,
			DeviceID:  device,
			Object:    r.Object,
			Value:     r.Value,
			Timestamp: time.Now(),
		})
		return
	}

	e.metrics.SendsFailed.WithLabelValues("mqtt").Inc()
	e.logger.Warn("mqtt egress send failed after retry", "device_id", device, "object", r.Object, "trace_id", r.TraceID)
}

// deviceTopic builds the per-device egress topic (lower-cased device id).
func deviceTopic(device string) string {
	return fmt.Sprintf("devices/%s/ingress", strings.ToLower(device))
}

func (e *Egress) publish(ctx context.Context, topic string, body []byte) bool {
	err := e.limiter.CallWait(ctx, func(ctx context.Context) error {
		return e.breaker.Call(ctx, func(ctx context.Context) error {
			if !e.publishOnce(ctx, topic, body) {
				return fmt.Errorf("publish to %s failed", topic)
			}
			return nil
		})
	})
	return err == nil
}

func (e *Egress) publishOnce(ctx context.Context, topic string, body []byte) bool {
	e.sendMu.Lock()
	client := e.client
	e.sendMu.Unlock()
	if client == nil || !client.IsConnected() {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		token := client.Publish(topic, e.cfg.QoS, false, body)
		token.Wait()
		done <- token.Error() == nil
	}()

	select {
	case ok := <-done:
		return ok
	case <-sendCtx.Done():
		return false
	}
}

// Stop disconnects. Idempotent.
func (e *Egress) Stop(ctx context.Context) error {
	if e.state.Get() == transport.Closing {
		return nil
	}
	e.state.Set(transport.Closing)
	e.watchdog.Disarm()
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	return nil
}
