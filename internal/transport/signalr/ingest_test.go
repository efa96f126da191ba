package signalr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldbridge/databridge/internal/config"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/internal/transport"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

// capturingHandler records every IngressEvent handed to it.
type capturingHandler struct {
	mu   sync.Mutex
	evts []events.IngressEvent
}

func (h *capturingHandler) handle(_ context.Context, e events.IngressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evts = append(h.evts, e)
}

func (h *capturingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.evts)
}

func newTestIngest(t *testing.T, srv *testHubServer, idleTimeout time.Duration) (*Ingest, *capturingHandler) {
	t.Helper()
	h := &capturingHandler{}
	in := NewIngest(config.SignalRConfig{URL: srv.url, Group: "vm-a"}, idleTimeout, h.handle, metrics.New(), discardLogger())
	in.backoff = &transport.BackoffSchedule{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	return in, h
}

func TestIngestJoinsGroupOnConnect(t *testing.T) {
	srv := newTestHubServer()
	defer srv.close()
	in, _ := newTestIngest(t, srv, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop(context.Background())

	waitForCondition(t, 2*time.Second, func() bool {
		return len(srv.invocationsFor("JoinGroup")) == 1
	})
}

func TestIngestJoinGroupRetriesThenSucceeds(t *testing.T) {
	srv := newTestHubServer()
	defer srv.close()
	srv.failNext("JoinGroup", 2)
	in, _ := newTestIngest(t, srv, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop(context.Background())

	waitForCondition(t, 5*time.Second, func() bool {
		return len(srv.invocationsFor("JoinGroup")) == 3
	})
	if in.state.Get() != transport.Ready {
		t.Fatalf("expected ingest to reach Ready after JoinGroup eventually succeeds, got %s", in.state.Get())
	}
}

func TestIngestDeliversIngressFrames(t *testing.T) {
	srv := newTestHubServer()
	defer srv.close()
	body := `{"header":{"UUID":"t1"},"payload":{"Equip.Tag":"GPS001","Message.ID":"GLL001","VALUE":12.5}}`
	frame, _ := invocationFrame("", "ingress", body)
	// Push the frame only once JoinGroup arrives: ingest registers its
	// "ingress" OnTarget handler before sending JoinGroup, so this ordering
	// avoids a race against handler registration.
	srv.setPushOnInvoke("JoinGroup", frame)
	in, h := newTestIngest(t, srv, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop(context.Background())

	waitForCondition(t, 2*time.Second, func() bool { return h.count() == 1 })
	if h.evts[0].TraceID != "t1" {
		t.Errorf("expected trace id t1, got %q", h.evts[0].TraceID)
	}
}

func TestIngestReconnectsOnConnectionLoss(t *testing.T) {
	srv := newTestHubServer()
	defer srv.close()
	in, _ := newTestIngest(t, srv, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop(context.Background())

	waitForCondition(t, 2*time.Second, func() bool { return srv.connectCount() >= 1 })
	before := srv.connectCount()
	srv.dropAllConnections()

	waitForCondition(t, 2*time.Second, func() bool { return srv.connectCount() > before })
}
