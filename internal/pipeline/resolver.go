package pipeline

import (
	"context"
	"log/slog"

	"github.com/fieldbridge/databridge/internal/catalog"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/pkg/fn"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

// Resolver turns a MappedEvent into a ResolvedEvent by fanning the mapped
// object out to its subscriber device ids.
type Resolver struct {
	catalog *catalog.DeviceCatalog
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewResolver builds a Resolver bound to cat.
func NewResolver(cat *catalog.DeviceCatalog, reg *metrics.Registry, log *slog.Logger) *Resolver {
	return &Resolver{catalog: cat, metrics: reg, log: log}
}

// Stage adapts Resolve to the pkg/fn pipeline convention.
func (r *Resolver) Stage() fn.Stage[*events.MappedEvent, *events.ResolvedEvent] {
	return func(ctx context.Context, in *events.MappedEvent) fn.Result[*events.ResolvedEvent] {
		return fn.Ok(r.Resolve(ctx, in))
	}
}

// Resolve looks up the subscriber devices for a mapped object. Device
// order and duplicates are preserved exactly as the catalog lists them. A
// nil input, or an object with no registered devices, drops the event.
func (r *Resolver) Resolve(ctx context.Context, in *events.MappedEvent) *events.ResolvedEvent {
	if in == nil {
		return nil
	}

	devices := r.catalog.DevicesFor(in.Object)
	if len(devices) == 0 {
		r.metrics.EventsDropped.WithLabelValues("resolver", string(events.ReasonNoTargets)).Inc()
		r.log.Debug("resolver dropped event: no subscribers", "trace_id", in.TraceID, "object", in.Object)
		return nil
	}

	r.metrics.EventsProcessed.WithLabelValues("resolver").Inc()
	return &events.ResolvedEvent{
		TraceID: in.TraceID,
		Object:  in.Object,
		Value:   in.Value,
		Devices: devices,
	}
}
