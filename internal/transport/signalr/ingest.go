package signalr

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/fn"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

// FrameHandler is called once per inbound frame, on the pipeline context.
type FrameHandler func(context.Context, events.IngressEvent)

// Ingest is the SignalR-class Ingest Client.
type Ingest struct {
	cfg     config.SignalRConfig
	handler FrameHandler
	metrics *metrics.Registry
	log     *slog.Logger

	state    *transport.StateMachine
	backoff  *transport.BackoffSchedule
	watchdog *transport.Watchdog

	hub      *Hub
	frames   chan []byte
	closes   chan error
	stopOnce chan struct{}
}

// NewIngest builds a SignalR Ingest client.
func NewIngest(cfg config.SignalRConfig, idleTimeout time.Duration, handler FrameHandler, reg *metrics.Registry, log *slog.Logger) *Ingest {
	in := &Ingest{
		cfg:      cfg,
		handler:  handler,
		metrics:  reg,
		log:      log,
		backoff:  transport.NewBackoffSchedule(),
		frames:   make(chan []byte, 64),
		closes:   make(chan error, 1),
		stopOnce: make(chan struct{}),
	}
	in.state = transport.NewStateMachine(func(s transport.State) {
		reg.ConnState.WithLabelValues("signalr_ingest").Set(float64(s))
	})
	in.watchdog = transport.NewWatchdog(idleTimeout, func() {
		log.Warn("signalr ingest idle timeout, forcing reconnect")
		select {
		case in.closes <- nil:
		default:
		}
	})
	return in
}

// Start launches the pump goroutine, which handles frames and reconnects
// until ctx is cancelled, then connects and returns once the client is
// Ready (or once Stop or ctx ends the backoff).
func (in *Ingest) Start(ctx context.Context) {
	go in.pump(ctx)
	in.connect(ctx)
}

// pump is the single logical pipeline context: it serializes both inbound
// frame delivery and reconnect-on-close handling so that "on_close" never
// touches state from the websocket library's own goroutine.
func (in *Ingest) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-in.frames:
			in.watchdog.Touch()
			evt, err := events.ParseFrame(raw, events.SourceSignalR, in.cfg.Group, time.Now())
			if err != nil {
				in.metrics.EventsDropped.WithLabelValues("ingest_signalr", "invalid_payload").Inc()
				in.log.Debug("signalr ingest: malformed frame", "error", err)
				continue
			}
			in.handler(ctx, evt)
		case err := <-in.closes:
			if in.state.Get() == transport.Closing {
				continue
			}
			in.log.Warn("signalr ingest connection closed", "error", err)
			in.watchdog.Disarm()
			if in.hub != nil {
				in.hub.Close()
			}
			in.backoffThenRetry(ctx)
		}
	}
}

func (in *Ingest) connect(ctx context.Context) {
	in.state.Set(transport.Connecting)

	hub, err := Dial(ctx, in.cfg.URL, BasicAuthHeader(in.cfg.Username, in.cfg.Password), in.log, func(closeErr error) {
		select {
		case in.closes <- closeErr:
		default:
		}
	})
	if err != nil {
		in.metrics.ReconnectTotal.WithLabelValues("signalr_ingest", "connect_failed").Inc()
		in.backoffThenRetry(ctx)
		return
	}
	in.hub = hub
	hub.OnTarget(in.cfg.TargetOrDefault(), func(args []json.RawMessage) {
		body, err := normalizeIngressArgs(args)
		if err != nil {
			in.log.Debug("signalr ingest: could not normalize ingress payload", "error", err)
			return
		}
		select {
		case in.frames <- body:
		default:
			in.log.Warn("signalr ingest frame buffer full, dropping frame")
		}
	})

	in.state.Set(transport.JoinedPending)
	if !in.joinGroupWithRetry(ctx, hub) {
		hub.Close()
		in.backoffThenRetry(ctx)
		return
	}

	in.state.Set(transport.Ready)
	in.backoff.Reset()
	in.watchdog.Arm()
}

// joinGroupWithRetry calls JoinGroup up to 5 times with jittered backoff
// capped between 0.2s and 2.0s before surrendering to Backoff.
func (in *Ingest) joinGroupWithRetry(ctx context.Context, hub *Hub) bool {
	attempt := 0
	res := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 5,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[struct{}] {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := hub.Invoke(callCtx, "JoinGroup", in.cfg.Group); err != nil {
			in.log.Warn("signalr ingest JoinGroup failed", "attempt", attempt, "error", err)
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	return res.IsOk()
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
	if in.hub != nil {
		_ = in.hub.Invoke(ctx, "LeaveGroup", in.cfg.Group)
		in.hub.Close()
	}
	return nil
}
