package signalr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

const (
	batchWindow = 50 * time.Millisecond
	batchMax    = 20

	// invokeRateLimit paces outbound hub-method calls so a burst of
	// same-tick batch flushes across many groups doesn't saturate a single
	// WebSocket writer.
	invokeRateLimit = 200 // calls/sec
	invokeBurst     = 50
)

// deliverylogSink narrows *deliverylog.Log to what the egress client needs.
type deliverylogSink interface {
	Record(events.DeliveryRecord)
}

// Egress is the SignalR-class Egress Client. Sends to the same
// group within batchWindow/batchMax are coalesced into a single
// SendMessage call carrying an array of payloads; a failed batch call
// falls back to per-message sends.
type Egress struct {
	cfg        config.SignalRConfig
	sendMethod string
	target     string
	log        deliverylogSink
	metrics    *metrics.Registry
	logger     *slog.Logger

	state    *transport.StateMachine
	backoff  *transport.BackoffSchedule
	watchdog *transport.Watchdog
	limiter  *rate.Limiter

	hubMu sync.Mutex
	hub   *Hub

	closes       chan error
	reconnecting sync.Mutex

	batchMu sync.Mutex
	batches map[string]*groupBatch // group -> pending payloads
}

type groupBatch struct {
	items []batchItem
	timer *time.Timer
}

type batchItem struct {
	record  events.DeliveryRecord
	payload events.EgressPayload
}

// NewEgress builds a SignalR Egress client.
func NewEgress(cfg config.SignalRConfig, idleTimeout time.Duration, log deliverylogSink, reg *metrics.Registry, logger *slog.Logger) *Egress {
	e := &Egress{
		cfg:        cfg,
		sendMethod: cfg.SendMethodOrDefault(),
		target:     cfg.TargetOrDefault(),
		log:        log,
		metrics:    reg,
		logger:     logger,
		backoff:    transport.NewBackoffSchedule(),
		limiter:    rate.NewLimiter(rate.Limit(invokeRateLimit), invokeBurst),
		closes:     make(chan error, 1),
		batches:    make(map[string]*groupBatch),
	}
	e.state = transport.NewStateMachine(func(s transport.State) {
		reg.ConnState.WithLabelValues("signalr_egress").Set(float64(s))
	})
	e.watchdog = transport.NewWatchdog(idleTimeout, func() {
		logger.Warn("signalr egress idle timeout, forcing reconnect")
		e.reconnect(context.Background())
	})
	return e
}

// Start opens the persistent connection.
func (e *Egress) Start(ctx context.Context) error {
	go e.closeWatcher(ctx)
	return e.connect(ctx)
}

func (e *Egress) closeWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-e.closes:
			if e.state.Get() == transport.Closing {
				continue
			}
			e.logger.Warn("signalr egress connection closed", "error", err)
			e.reconnect(ctx)
		}
	}
}

func (e *Egress) connect(ctx context.Context) error {
	e.state.Set(transport.Connecting)
	hub, err := Dial(ctx, e.cfg.URL, BasicAuthHeader(e.cfg.Username, e.cfg.Password), e.logger, func(closeErr error) {
		select {
		case e.closes <- closeErr:
		default:
		}
	})
	if err != nil {
		e.metrics.ReconnectTotal.WithLabelValues("signalr_egress", "connect_failed").Inc()
		e.scheduleReconnect(ctx)
		return err
	}
	e.hubMu.Lock()
	e.hub = hub
	e.hubMu.Unlock()

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

func (e *Egress) reconnect(ctx context.Context) {
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
	e.connect(ctx)
}

// Send enqueues sends for every member device, coalescing same-group
// traffic within the batch window.
func (e *Egress) Send(ctx context.Context, r *events.ResolvedEvent) {
	now := time.Now()
	for _, device := range r.Devices {
		item := batchItem{
			record: events.DeliveryRecord{
				TraceID:  r.TraceID,
				DeviceID: device,
				Object:   r.Object,
				Value:    r.Value,
			},
			payload: events.NewEgressPayload(r, now),
		}
		e.enqueue(ctx, device, item)
	}
}

func (e *Egress) enqueue(ctx context.Context, group string, item batchItem) {
	e.batchMu.Lock()
	b, ok := e.batches[group]
	if !ok {
		b = &groupBatch{}
		e.batches[group] = b
	}
	b.items = append(b.items, item)
	flushNow := len(b.items) >= batchMax
	if b.timer == nil && !flushNow {
		b.timer = time.AfterFunc(batchWindow, func() { e.flushGroup(ctx, group) })
	}
	e.batchMu.Unlock()

	if flushNow {
		e.flushGroup(ctx, group)
	}
}

func (e *Egress) flushGroup(ctx context.Context, group string) {
	e.batchMu.Lock()
	b, ok := e.batches[group]
	if !ok || len(b.items) == 0 {
		e.batchMu.Unlock()
		return
	}
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	e.batchMu.Unlock()

	if len(items) == 1 {
		e.sendOne(group, items[0])
		return
	}

	payloads := make([]events.EgressPayload, len(items))
	for i, it := range items {
		payloads[i] = it.payload
	}
	if e.invoke(ctx, e.sendMethod, group, e.target, payloads) {
		for _, it := range items {
			e.watchdog.Touch()
			e.metrics.SendsOK.WithLabelValues("signalr").Inc()
			it.record.Timestamp = time.Now()
			e.log.Record(it.record)
		}
		return
	}

	// Batch call failed: fall back to per-message sends.
	for _, it := range items {
		e.sendOne(group, it)
	}
}

func (e *Egress) sendOne(group string, item batchItem) {
	ok := e.invoke(context.Background(), e.sendMethod, group, e.target, item.payload)
	if !ok {
		e.reconnect(context.Background())
		ok = e.invoke(context.Background(), e.sendMethod, group, e.target, item.payload)
	}
	if !ok {
		e.metrics.SendsFailed.WithLabelValues("signalr").Inc()
		e.logger.Warn("signalr egress send failed after retry", "device_id", item.record.DeviceID, "object", item.record.Object)
		return
	}
	e.watchdog.Touch()
	e.metrics.SendsOK.WithLabelValues("signalr").Inc()
	item.record.Timestamp = time.Now()
	e.log.Record(item.record)
}

// invoke paces outbound hub-method calls through the rate limiter before
// issuing them, so a burst of same-tick batch flushes across many groups
// can't saturate the single WebSocket writer.
func (e *Egress) invoke(ctx context.Context, target string, args ...any) bool {
	e.hubMu.Lock()
	hub := e.hub
	e.hubMu.Unlock()
	if hub == nil {
		return false
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.limiter.Wait(sendCtx); err != nil {
		return false
	}
	return hub.Invoke(sendCtx, target, args...) == nil
}

// Stop disconnects. Idempotent.
func (e *Egress) Stop(ctx context.Context) error {
	if e.state.Get() == transport.Closing {
		return nil
	}
	e.state.Set(transport.Closing)
	e.watchdog.Disarm()
	e.hubMu.Lock()
	defer e.hubMu.Unlock()
	if e.hub != nil {
		return e.hub.Close()
	}
	return nil
}
