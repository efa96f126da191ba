package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

func newTestIngest(handler FrameHandler) *Ingest {
	cfg := config.MQTTConfig{Host: "broker", Port: 1883, Topic: "gateway/telemetry", QoS: 1}
	return NewIngest(cfg, 0, handler, metrics.New(), discardLogger())
}

func TestIngestPumpDeliversFramesInArrivalOrder(t *testing.T) {
	got := make(chan events.IngressEvent, 4)
	in := newTestIngest(func(_ context.Context, evt events.IngressEvent) {
		got <- evt
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.pump(ctx)

	frames := []string{
		`{"header":{"UUID":"t1"},"payload":{"Equip.Tag":"GPS001","Message.ID":"GLL001","VALUE":37.5665}}`,
		`{"header":{"UUID":"t2"},"payload":{"Equip.Tag":"GPS001","Message.ID":"GLL001","VALUE":37.5666}}`,
	}
	for _, f := range frames {
		in.frames <- pahoFrame{payload: []byte(f)}
	}

	for i, want := range []string{"t1", "t2"} {
		select {
		case evt := <-got:
			if evt.TraceID != want {
				t.Errorf("frame %d: trace id %q, want %q", i, evt.TraceID, want)
			}
			if evt.Meta.Source != events.SourceMQTT || evt.Meta.Address != "gateway/telemetry" {
				t.Errorf("frame %d: meta %+v", i, evt.Meta)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never reached the handler", i)
		}
	}
}

func TestIngestPumpDropsMalformedFrames(t *testing.T) {
	got := make(chan events.IngressEvent, 2)
	in := newTestIngest(func(_ context.Context, evt events.IngressEvent) {
		got <- evt
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.pump(ctx)

	in.frames <- pahoFrame{payload: []byte(`not json`)}
	in.frames <- pahoFrame{payload: []byte(`{"header":{"UUID":"after"},"payload":{"Equip.Tag":"A","Message.ID":"B","VALUE":1}}`)}

	select {
	case evt := <-got:
		if evt.TraceID != "after" {
			t.Fatalf("handler saw trace id %q: the malformed frame leaked through", evt.TraceID)
		}
	case <-time.After(time.Second):
		t.Fatal("pump stalled on the malformed frame")
	}
}

// TestIngestReconnectsAfterConnectionLoss is the regression test for the
// stranded-in-Backoff case: a connection-lost event handed off by paho's
// callback must drive the pump back through Backoff into a fresh connect
// and resubscribe, not leave the client disconnected forever.
func TestIngestReconnectsAfterConnectionLoss(t *testing.T) {
	broker := &fakeBroker{}
	in := newTestIngest(func(context.Context, events.IngressEvent) {})
	in.dial = broker.dial
	in.backoff = &transport.BackoffSchedule{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)

	if got := broker.connectCount(); got != 1 {
		t.Fatalf("expected 1 initial connect, got %d", got)
	}
	if in.state.Get() != transport.Ready {
		t.Fatalf("expected Ready after start, got %s", in.state.Get())
	}

	// What paho's connection-lost callback does: a bare channel send.
	in.closes <- errors.New("broker went away")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if broker.connectCount() >= 2 && broker.subscribeCount() >= 2 && in.state.Get() == transport.Ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ingest never reconnected: connects=%d subscribes=%d state=%s",
		broker.connectCount(), broker.subscribeCount(), in.state.Get())
}

func TestIngestStopIsIdempotentBeforeConnect(t *testing.T) {
	in := newTestIngest(func(context.Context, events.IngressEvent) {})

	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
